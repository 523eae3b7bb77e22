package prompt

import (
	"errors"
	"fmt"
	"strings"

	"github.com/manifoldco/promptui"
)

// Confirm asks a yes/no question. An empty answer takes the default.
func Confirm(label string, defaultYes bool) (bool, error) {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}

	p := promptui.Prompt{
		Label:     fmt.Sprintf("%s [%s]", label, hint),
		IsConfirm: true,
	}

	result, err := p.Run()
	switch {
	case err == nil:
		answer := strings.ToLower(strings.TrimSpace(result))
		return answer == "y" || answer == "yes", nil
	case errors.Is(err, promptui.ErrAbort):
		// promptui reports "n", and an empty answer, as ErrAbort.
		if strings.TrimSpace(result) == "" {
			return defaultYes, nil
		}
		return false, nil
	default:
		return false, wrapError(err)
	}
}

// ConfirmDanger guards a destructive operation: the user must type word
// exactly. Anything else, or Ctrl+C, refuses.
func ConfirmDanger(label, word string) (bool, error) {
	p := promptui.Prompt{
		Label: fmt.Sprintf("%s (type '%s' to confirm)", label, word),
		Validate: func(input string) error {
			if input != word {
				return fmt.Errorf("type '%s' to confirm", word)
			}
			return nil
		},
	}

	result, err := p.Run()
	if err != nil {
		return false, wrapError(err)
	}
	return result == word, nil
}

// ConfirmWithForce skips the question when force is set.
func ConfirmWithForce(label string, force bool) (bool, error) {
	if force {
		return true, nil
	}
	return Confirm(label, false)
}

// ConfirmDangerWithForce skips the typed confirmation when force is set.
func ConfirmDangerWithForce(label, word string, force bool) (bool, error) {
	if force {
		return true, nil
	}
	return ConfirmDanger(label, word)
}
