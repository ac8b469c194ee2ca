package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCatalog(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func TestLoadCatalog(t *testing.T) {
	seed, err := loadCatalog(filepath.Join("..", "..", "db", "seed", "catalog.json"))
	require.NoError(t, err)
	assert.NotEmpty(t, seed.Stores)
	assert.NotEmpty(t, seed.Products)
}

func TestLoadCatalog_Rejects(t *testing.T) {
	for _, tt := range []struct {
		name string
		doc  string
		err  string
	}{
		{
			name: "unknown store",
			doc:  `{"stores": [], "products": [{"id": "p1", "storeId": "s1", "price": 10}]}`,
			err:  `product p1 references unknown store "s1"`,
		},
		{
			name: "zero price",
			doc:  `{"stores": [{"id": "s1"}], "products": [{"id": "p1", "storeId": "s1", "price": 0}]}`,
			err:  "product p1 must have a positive price",
		},
		{
			name: "malformed",
			doc:  `{"stores": {}}`,
			err:  "decode catalog seed",
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadCatalog(writeCatalog(t, tt.doc))
			require.ErrorContains(t, err, tt.err)
		})
	}
}
