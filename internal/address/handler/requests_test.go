package handler

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"addrhist/pkg/domain"
	dErrors "addrhist/pkg/domain-errors"
)

func TestSetAddressRequestValidate(t *testing.T) {
	start := domain.MustParseDate("2024-01-01")
	valid := func() SetAddressRequest {
		return SetAddressRequest{
			StreetOne: "1 Main St",
			City:      "Springfield",
			State:     "OR",
			ZipCode:   "97403",
			StartDate: &start,
		}
	}

	t.Run("trims before checking", func(t *testing.T) {
		req := valid()
		req.StreetOne = "  1 Main St\t"
		req.State = " OR "
		require.NoError(t, req.Validate())
		assert.Equal(t, "1 Main St", req.StreetOne)
		assert.Equal(t, "OR", req.State)
	})

	t.Run("whitespace only is missing", func(t *testing.T) {
		req := valid()
		req.City = "   "
		err := req.Validate()
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
		assert.Contains(t, err.Error(), "city is required")
	})

	t.Run("limits are inclusive", func(t *testing.T) {
		req := valid()
		req.StreetOne = strings.Repeat("a", 128)
		req.StreetTwo = strings.Repeat("b", 128)
		req.ZipCode = strings.Repeat("9", 10)
		assert.NoError(t, req.Validate())

		req.ZipCode = strings.Repeat("9", 11)
		assert.Error(t, req.Validate())
	})

	t.Run("limits count characters not bytes", func(t *testing.T) {
		req := valid()
		req.StreetOne = strings.Repeat("é", 128)
		req.City = "Zürich"
		require.NoError(t, req.Validate())

		req.StreetOne = strings.Repeat("é", 129)
		err := req.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "street_one must be 128 characters or less")
	})

	t.Run("input carries the start date", func(t *testing.T) {
		req := valid()
		require.NoError(t, req.Validate())
		in := req.ToInput()
		assert.True(t, in.StartDate.Equal(start))
		assert.Equal(t, "97403", in.ZipCode)
	})
}
