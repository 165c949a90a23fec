package util

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"

	"github.com/nftfolio/backend/service/logger"
)

const GinContextKey string = "GinContextKey"

// ContainsString checks whether an item exists in a slice
func ContainsString(s []string, str string) bool {
	for _, v := range s {
		if v == str {
			return true
		}
	}

	return false
}

// ContainsAnyString checks whether a string contains any of the given substrings
func ContainsAnyString(s string, strs ...string) bool {
	for _, v := range strs {
		if strings.Contains(s, v) {
			return true
		}
	}

	return false
}

// Map applies a function to each element of a slice, returning a new slice of the same length.
func Map[T, U any](xs []T, f func(T) (U, error)) ([]U, error) {
	result := make([]U, len(xs))
	for i, x := range xs {
		it, err := f(x)
		if err != nil {
			return nil, err
		}
		result[i] = it
	}
	return result, nil
}

// MapWithoutError applies a function to each element of a slice, returning a new slice of the same length.
func MapWithoutError[T, U any](xs []T, f func(T) U) []U {
	result := make([]U, len(xs))
	for i, x := range xs {
		result[i] = f(x)
	}
	return result
}

// Filter returns a new slice containing only the elements for which the predicate returns true.
func Filter[T any](xs []T, f func(T) bool, filterInPlace bool) []T {
	var result []T
	if filterInPlace {
		result = xs[:0]
	} else {
		result = make([]T, 0, len(xs))
	}
	for _, x := range xs {
		if f(x) {
			result = append(result, x)
		}
	}
	return result
}

// Dedupe removes duplicate elements from a slice, preserving the order of the remaining elements.
func Dedupe[T comparable](src []T, filterInPlace bool) []T {
	var result []T
	if filterInPlace {
		result = src[:0]
	} else {
		result = make([]T, 0, len(src))
	}
	seen := make(map[T]bool)
	for _, x := range src {
		if !seen[x] {
			result = append(result, x)
			seen[x] = true
		}
	}
	return result
}

func Contains[T comparable](s []T, str T) bool {
	for _, v := range s {
		if v == str {
			return true
		}
	}

	return false
}

// ChunkBy splits a slice into chunks of the given size. The last chunk may be smaller.
func ChunkBy[T any](xs []T, size int) [][]T {
	chunks := make([][]T, 0, (len(xs)+size-1)/size)
	for size < len(xs) {
		xs, chunks = xs[size:], append(chunks, xs[0:size:size])
	}
	return append(chunks, xs)
}

// StringToPointer simply returns a pointer to the parameter string. It's useful for taking the address of a string concatenation,
// a function that returns a string, or any other string that would otherwise need to be assigned to a variable before becoming addressable.
func StringToPointer(str string) *string {
	return &str
}

// FromPointer returns the value of a pointer, or the zero value of the pointer's type if the pointer is nil.
func FromPointer[T comparable](s *T) T {
	if s == nil {
		return reflect.Zero(reflect.TypeOf(s).Elem()).Interface().(T)
	}
	return *s
}

// ErrorAs returns true if errors.As(err, &T) would return true for the error type T
func ErrorAs[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

// UnmarshalBody unmarshals a response or request body into a given struct
func UnmarshalBody(pInput interface{}, body io.Reader) error {
	return json.NewDecoder(body).Decode(pInput)
}

// BoolToPointer returns a pointer to the parameter boolean. Useful for a boolean that would need to be assigned to a variable
// before becoming addressable.
func BoolToPointer(b bool) *bool {
	return &b
}

// IntToPointer returns a pointer to the parameter integer. Useful for an integer that would need to be assigned to a variable
// before becoming addressable.
func IntToPointer(i int) *int {
	return &i
}

func FloatToPointer(f float64) *float64 {
	return &f
}

// GinContextFromContext retrieves a gin.Context previously stored in the request context via the GinContextToContext middleware,
// or panics if no gin.Context can be retrieved (since there's nothing left for the handler to do if it can't obtain the context).
func GinContextFromContext(ctx context.Context) *gin.Context {
	// If the current context is already a gin context, return it
	if gc, ok := ctx.(*gin.Context); ok {
		return gc
	}

	// Otherwise, find the gin context that was stored via middleware
	ginContext := ctx.Value(GinContextKey)
	if ginContext == nil {
		panic("gin.Context not found in current context")
	}

	gc, ok := ginContext.(*gin.Context)
	if !ok {
		panic("gin.Context has wrong type")
	}

	return gc
}

func TruncateWithEllipsis(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length] + "..."
}

// MustExist panics if an environment variable is not set.
func MustExist(envVar string) {
	if viper.GetString(envVar) == "" {
		panic(fmt.Sprintf("%s must be set", envVar))
	}
}

// VarNotSetTo panics if an environment variable is not set or set to `emptyVal`.
func VarNotSetTo(envVar, emptyVal string) {
	setTo := viper.GetString(envVar)
	if setTo == emptyVal || setTo == "" {
		panic(fmt.Sprintf("%s must be set", envVar))
	}
}

// ResolveEnvFile returns the local configuration file for the named service.
func ResolveEnvFile(service string) string {
	return filepath.Join("_local", fmt.Sprintf("app-local-%s.yaml", service))
}

// LoadEnvFile configures the environment with the given settings file. A
// missing file is skipped so fresh checkouts run on defaults alone.
func LoadEnvFile(filePath string) {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		logger.For(nil).Infof("no local settings at %s, using defaults", filePath)
		return
	}

	logger.For(nil).Infof("configuring environment with settings from %s", filePath)
	viper.SetConfigFile(filePath)
	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Sprintf("error reading viper config: %s", err))
	}
}
