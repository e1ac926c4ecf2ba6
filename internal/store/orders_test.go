package store

import (
	"errors"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/knovo/storefront/internal/database"
)

func TestGenerateOrderNumberFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^KNV-[0-9A-Z]+$`)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		number := generateOrderNumber()
		assert.Regexp(t, pattern, number)
		seen[number] = true
	}

	// The random suffix should make same-millisecond collisions rare;
	// the DB unique constraint covers the rest.
	assert.Greater(t, len(seen), 90)
}

func TestStockErrorUnwrapsToSentinel(t *testing.T) {
	err := &StockError{ProductID: 7, Name: "Silk Tie", Requested: 3, Available: 1}

	assert.True(t, errors.Is(err, database.ErrInsufficientStock))
	assert.Contains(t, err.Error(), "Silk Tie")
	assert.Contains(t, err.Error(), "requested 3")
}
