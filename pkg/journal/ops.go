package journal

import "fmt"

// Op is the operation a transaction journals.
type Op uint8

const (
	OpIdle Op = iota
	OpCreate
	OpMkdir
	OpLink
	OpSymlink
	OpUnlink
	OpRename
)

func (o Op) String() string {
	switch o {
	case OpIdle:
		return "IDLE"
	case OpCreate:
		return "CREATE"
	case OpMkdir:
		return "MKDIR"
	case OpLink:
		return "LINK"
	case OpSymlink:
		return "SYMLINK"
	case OpUnlink:
		return "UNLINK"
	case OpRename:
		return "RENAME"
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

// Role is the part an object plays in a transaction.
type Role uint8

const (
	RolePI       Role = iota // inode being created or changed
	RolePD                   // its dentry
	RolePIParent             // parent directory inode
	RolePDNew                // new dentry (symlink target, rename destination)
	RolePINew                // new parent directory inode
)

func (r Role) String() string {
	switch r {
	case RolePI:
		return "PI"
	case RolePD:
		return "PD"
	case RolePIParent:
		return "PI_PAR"
	case RolePDNew:
		return "PD_NEW"
	case RolePINew:
		return "PI_NEW"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// EntryType tells whether a journal entry references an inode or a dentry.
type EntryType uint8

const (
	EntryInode  EntryType = 1
	EntryDentry EntryType = 2
)

func (t EntryType) String() string {
	switch t {
	case EntryInode:
		return "inode"
	case EntryDentry:
		return "dentry"
	default:
		return fmt.Sprintf("EntryType(%d)", uint8(t))
	}
}

// EntryType returns the kind of object r refers to.
func (r Role) EntryType() EntryType {
	switch r {
	case RolePD, RolePDNew:
		return EntryDentry
	default:
		return EntryInode
	}
}

var roles = map[Op][]Role{
	OpCreate:  {RolePI, RolePD, RolePIParent},
	OpMkdir:   {RolePI, RolePD, RolePIParent},
	OpLink:    {RolePI, RolePD, RolePIParent},
	OpUnlink:  {RolePI, RolePD, RolePIParent},
	OpSymlink: {RolePI, RolePD, RolePIParent, RolePDNew},
	OpRename:  {RolePI, RolePD, RolePDNew, RolePIParent, RolePINew},
}

// Roles returns the objects op journals, in the order Start expects them.
// OpIdle and unknown operations have none.
func (o Op) Roles() []Role {
	return roles[o]
}
