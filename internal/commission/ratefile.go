// internal/commission/ratefile.go
package commission

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/javajoker/imi-commission/internal/models"
)

// RateDocument is the on-disk form of a rate table:
//
//	version: "2026-10"
//	rates:
//	  - level: 1
//	    rank: STAR_1
//	    percent: "10"
//	  - level: 1
//	    rank: STAR_1
//	    buyer_rank: VIP
//	    percent: "12.5"
type RateDocument struct {
	Version string            `yaml:"version" validate:"required,max=50"`
	Rates   []RateDocumentRow `yaml:"rates" validate:"required,min=1,dive"`
}

type RateDocumentRow struct {
	Level     int    `yaml:"level" validate:"required,min=1"`
	Rank      string `yaml:"rank" validate:"required"`
	BuyerRank string `yaml:"buyer_rank"`
	Percent   string `yaml:"percent" validate:"required"`
}

var documentValidator = validator.New()

// ParseRateDocument decodes and validates a YAML rate document. Unknown ranks,
// unknown fields and over-allocating tables fail.
func ParseRateDocument(r io.Reader) (*RateTable, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc RateDocument
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty rate document", ErrInvalidRate)
		}
		return nil, fmt.Errorf("decode rate document: %w", err)
	}
	if err := documentValidator.Struct(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRate, err)
	}

	entries := make([]models.RateEntry, 0, len(doc.Rates))
	for i, row := range doc.Rates {
		rank, err := models.ParseRank(row.Rank)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrInvalidRate, i, err)
		}
		var buyer models.Rank
		if row.BuyerRank != "" {
			if buyer, err = models.ParseRank(row.BuyerRank); err != nil {
				return nil, fmt.Errorf("%w: row %d buyer: %v", ErrInvalidRate, i, err)
			}
		}
		pct, err := decimal.NewFromString(row.Percent)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d percent %q", ErrInvalidRate, i, row.Percent)
		}
		entries = append(entries, models.RateEntry{
			Version:         doc.Version,
			Level:           row.Level,
			BeneficiaryRank: rank,
			BuyerRank:       buyer,
			Percent:         pct,
		})
	}

	return NewRateTable(doc.Version, entries)
}

// LoadRateFile reads a rate document from disk.
func LoadRateFile(path string) (*RateTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rate file: %w", err)
	}
	return ParseRateDocument(bytes.NewReader(raw))
}

// FileRateStore serves a single rate table loaded from a YAML file. It backs
// deployments without a rate_entries table and the CLI's validate command.
type FileRateStore struct {
	table *RateTable
}

func NewFileRateStore(path string) (*FileRateStore, error) {
	t, err := LoadRateFile(path)
	if err != nil {
		return nil, err
	}
	return &FileRateStore{table: t}, nil
}

func (s *FileRateStore) GetRates(_ context.Context, version string) ([]models.RateEntry, error) {
	if version != "" && version != s.table.Version {
		return nil, fmt.Errorf("%w: %s", ErrRateVersionNotFound, version)
	}
	return s.table.Entries(), nil
}

func (s *FileRateStore) ActiveVersion(context.Context) (string, error) {
	return s.table.Version, nil
}
