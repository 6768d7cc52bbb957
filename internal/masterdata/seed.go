package masterdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Seed is the document accepted by LoadSeed.
type Seed struct {
	Stores   []Store   `json:"stores"`
	Products []Product `json:"products"`
}

// LoadSeed saves every store and product from r. Entries keep their IDs when
// given so movements in other fixtures can refer to them.
func LoadSeed(ctx context.Context, repo Repository, r io.Reader) (int, error) {
	var seed Seed
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&seed); err != nil {
		return 0, fmt.Errorf("masterdata: decode seed: %w", err)
	}
	n := 0
	for i, s := range seed.Stores {
		if _, err := repo.SaveStore(ctx, s); err != nil {
			return n, fmt.Errorf("masterdata: seed store %d: %w", i, err)
		}
		n++
	}
	for i, p := range seed.Products {
		if _, err := repo.SaveProduct(ctx, p); err != nil {
			return n, fmt.Errorf("masterdata: seed product %d: %w", i, err)
		}
		n++
	}
	return n, nil
}

// LoadSeedFile is LoadSeed over a file path.
func LoadSeedFile(ctx context.Context, repo Repository, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("masterdata: open seed: %w", err)
	}
	defer f.Close()
	return LoadSeed(ctx, repo, f)
}
