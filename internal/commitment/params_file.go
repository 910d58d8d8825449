package commitment

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
)

// g1JSON marshals a G1 point as its base64 compressed encoding.
type g1JSON struct {
	bls12377.G1Affine
}

func (p g1JSON) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(p.G1Affine.Marshal()))
}

func (p *g1JSON) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("invalid JSON string for G1 point: %w", err)
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	return p.G1Affine.Unmarshal(b)
}

type paramsFile struct {
	Seed string `json:"seed"`
	H    g1JSON `json:"h"`
}

// Save writes the parameters as JSON, creating parent directories as needed.
func (p *Params) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("commitment: create params directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(paramsFile{Seed: hex.EncodeToString(p.Seed), H: g1JSON{p.H}}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// Load reads and validates parameters written by Save.
func Load(path string) (*Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f paramsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	seed, err := hex.DecodeString(f.Seed)
	if err != nil {
		return nil, fmt.Errorf("%w: seed: %v", ErrInvalidParams, err)
	}
	p := &Params{Seed: seed, H: f.H.G1Affine}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// ReadOrGenerate loads the parameter file at path. When the file is missing or does
// not hold valid parameters, fresh parameters are generated and written in its place.
func ReadOrGenerate(path string) (*Params, error) {
	p, err := Load(path)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, os.ErrNotExist) && !errors.Is(err, ErrInvalidParams) {
		return nil, err
	}
	p, err = Generate(rand.Reader)
	if err != nil {
		return nil, err
	}
	if err := p.Save(path); err != nil {
		return nil, err
	}
	return p, nil
}
