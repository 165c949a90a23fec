package env

import (
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/nftfolio/backend/service/logger"
	"github.com/spf13/viper"
)

var validators = map[string][]string{}

var v = validator.New()

var validatorsMu = &sync.Mutex{}

func init() {
	v.RegisterValidation("required_for_env", RequiredForEnv)
}

// RegisterValidation adds validation tags that are checked whenever the named
// variable is read.
func RegisterValidation(name string, tags ...string) {
	validatorsMu.Lock()
	defer validatorsMu.Unlock()
	validators[name] = dedupe(append(validators[name], tags...))
}

func GetString(name string) string {
	checkValidations(name)
	return viper.GetString(name)
}

func GetInt(name string) int {
	checkValidations(name)
	return viper.GetInt(name)
}

func GetInt64(name string) int64 {
	checkValidations(name)
	return viper.GetInt64(name)
}

func GetBool(name string) bool {
	checkValidations(name)
	return viper.GetBool(name)
}

func GetFloat64(name string) float64 {
	checkValidations(name)
	return viper.GetFloat64(name)
}

func checkValidations(name string) {
	validatorsMu.Lock()
	defer validatorsMu.Unlock()
	for _, tag := range validators[name] {
		if err := v.Var(viper.GetString(name), tag); err != nil {
			logger.For(nil).Errorf("invalid env var: %s, tag: %s, err: %s", name, tag, err.Error())
		}
	}
}

// RequiredForEnv enforces a non-empty value only when the running ENV matches
// the tag parameter, e.g. `required_for_env=production`.
var RequiredForEnv validator.Func = func(fl validator.FieldLevel) bool {
	if viper.GetString("ENV") != fl.Param() {
		return true
	}
	return fl.Field().String() != ""
}

func dedupe(src []string) []string {
	result := src[:0]

	seen := make(map[string]bool)
	for _, x := range src {
		if !seen[x] {
			result = append(result, x)
			seen[x] = true
		}
	}
	return result
}
