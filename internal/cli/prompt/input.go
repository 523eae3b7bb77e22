package prompt

import (
	"fmt"
	"strconv"

	"github.com/manifoldco/promptui"

	"github.com/marmos91/pmeta/internal/bytesize"
)

// Input prompts for text, offering def as the default answer.
func Input(label, def string) (string, error) {
	p := promptui.Prompt{
		Label:   label,
		Default: def,
	}
	result, err := p.Run()
	return result, wrapError(err)
}

// InputRequired prompts for non-empty text.
func InputRequired(label, def string) (string, error) {
	p := promptui.Prompt{
		Label:   label,
		Default: def,
		Validate: func(input string) error {
			if input == "" {
				return fmt.Errorf("a value is required")
			}
			return nil
		},
	}
	result, err := p.Run()
	return result, wrapError(err)
}

// InputInt prompts for an integer in [lo, hi].
func InputInt(label string, def, lo, hi int) (int, error) {
	p := promptui.Prompt{
		Label:   label,
		Default: strconv.Itoa(def),
		Validate: func(input string) error {
			n, err := strconv.Atoi(input)
			if err != nil {
				return fmt.Errorf("must be an integer")
			}
			if n < lo || n > hi {
				return fmt.Errorf("must be between %d and %d", lo, hi)
			}
			return nil
		},
	}
	result, err := p.Run()
	if err != nil {
		return 0, wrapError(err)
	}
	n, _ := strconv.Atoi(result)
	return n, nil
}

// InputSize prompts for a byte size such as "64Mi". A non-zero align
// requires the answer to be a multiple of it.
func InputSize(label string, def, align bytesize.ByteSize) (bytesize.ByteSize, error) {
	defText, _ := def.MarshalText()
	p := promptui.Prompt{
		Label:   label,
		Default: string(defText),
		Validate: func(input string) error {
			size, err := bytesize.ParseByteSize(input)
			if err != nil {
				return err
			}
			if !size.IsAligned(align) {
				return fmt.Errorf("must be a multiple of %s", align)
			}
			return nil
		},
	}
	result, err := p.Run()
	if err != nil {
		return 0, wrapError(err)
	}
	return bytesize.ParseByteSize(result)
}
