package validate

import (
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
)

func TestEthValidator(t *testing.T) {
	v := validator.New()
	RegisterCustomValidators(v)

	type params struct {
		Address string `validate:"required,eth_addr"`
	}

	assert.NoError(t, v.Struct(params{Address: "0xd8da6bf26964af9d7eed9e03e53415d37aa96045"}))
	assert.NoError(t, v.Struct(params{Address: "0xD8DA6BF26964AF9D7EED9E03E53415D37AA96045"}))

	assert.Error(t, v.Struct(params{Address: ""}))
	assert.Error(t, v.Struct(params{Address: "d8da6bf26964af9d7eed9e03e53415d37aa96045"}))
	assert.Error(t, v.Struct(params{Address: "0xd8da6bf26964af9d7eed9e03e53415d37aa9604"}))
	assert.Error(t, v.Struct(params{Address: "0xzzda6bf26964af9d7eed9e03e53415d37aa96045"}))
}

func TestEnsNameValidator(t *testing.T) {
	v := validator.New()
	RegisterCustomValidators(v)

	type params struct {
		Name string `validate:"required,ens_name"`
	}

	assert.NoError(t, v.Struct(params{Name: "vitalik.eth"}))
	assert.NoError(t, v.Struct(params{Name: "sub.domain.eth"}))

	assert.Error(t, v.Struct(params{Name: ""}))
	assert.Error(t, v.Struct(params{Name: "noseparator"}))
}

func TestCollectionSlugAlias(t *testing.T) {
	v := validator.New()
	RegisterCustomValidators(v)

	type params struct {
		Slug string `validate:"required,collection_slug"`
	}

	assert.NoError(t, v.Struct(params{Slug: "bored-ape-yacht-club"}))
	assert.Error(t, v.Struct(params{Slug: ""}))

	long := make([]byte, 201)
	for i := range long {
		long[i] = 'a'
	}
	assert.Error(t, v.Struct(params{Slug: string(long)}))
}
