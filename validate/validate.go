package validate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

var ethAddressRegex = regexp.MustCompile("^0x[0-9a-fA-F]{40}$")

func RegisterCustomValidators(v *validator.Validate) {
	v.RegisterValidation("eth_addr", EthValidator)
	v.RegisterValidation("ens_name", EnsNameValidator)
	v.RegisterValidation("max_string_length", MaxStringLengthValidator)
	v.RegisterAlias("collection_slug", "max_string_length=200")
}

// EthValidator validates ethereum addresses
var EthValidator validator.Func = func(fl validator.FieldLevel) bool {
	addr := fl.Field().String()
	if addr == "" {
		return true
	}
	return ethAddressRegex.MatchString(addr)
}

// EnsNameValidator validates ENS domain names
var EnsNameValidator validator.Func = func(fl validator.FieldLevel) bool {
	name := fl.Field().String()
	if name == "" {
		return true
	}
	return len(name) <= 255 && strings.Contains(name, ".")
}

// MaxStringLengthValidator validates strings with a given maximum length
var MaxStringLengthValidator validator.Func = func(fl validator.FieldLevel) bool {
	s := fl.Field().String()

	maxLength, err := strconv.Atoi(fl.Param())
	if err != nil {
		panic(fmt.Errorf("error parsing MaxStringLengthValidator parameter: %s", err))
	}

	return len(s) <= maxLength
}

// IsEthAddress reports whether s is a 0x-prefixed 40-hex-char address.
func IsEthAddress(s string) bool {
	return ethAddressRegex.MatchString(s)
}
