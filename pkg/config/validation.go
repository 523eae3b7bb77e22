package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/marmos91/pmeta/internal/bytesize"
	"github.com/marmos91/pmeta/pkg/layout"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())

		// Report yaml names, which is what users write.
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})

		_ = validate.RegisterValidation("pow2", func(fl validator.FieldLevel) bool {
			switch fl.Field().Kind() {
			case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
				return bytesize.ByteSize(fl.Field().Uint()).IsPowerOfTwo()
			case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
				v := fl.Field().Int()
				return v > 0 && bytesize.ByteSize(v).IsPowerOfTwo()
			}
			return false
		})
	})
	return validate
}

// Validate checks cfg field by field and then checks that the region can
// hold the layout the configuration describes.
func Validate(cfg *Config) error {
	if err := getValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, formatFieldError(fe))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	if !cfg.Region.Size.IsAligned(cfg.Region.BlockSize) {
		return fmt.Errorf("region.size: %d is not a multiple of block_size %d",
			cfg.Region.Size.Uint64(), cfg.Region.BlockSize.Uint64())
	}
	if _, err := layout.Compute(cfg.Region.Size.Uint64(), cfg.LayoutParams()); err != nil {
		return fmt.Errorf("region: %w", err)
	}
	return nil
}

func formatFieldError(fe validator.FieldError) string {
	// Drop the root struct name: "Config.region.size" -> "region.size".
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	if fe.Param() != "" {
		return fmt.Sprintf("%s: failed '%s=%s' validation (value %v)", ns, fe.Tag(), fe.Param(), fe.Value())
	}
	return fmt.Sprintf("%s: failed '%s' validation (value %v)", ns, fe.Tag(), fe.Value())
}
