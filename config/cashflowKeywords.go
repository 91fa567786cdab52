package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed cashflow_keywords.yaml
var defaultCashflowKeywords []byte

// CashflowKeywordTier is one confidence band of the heuristic categorizer.
type CashflowKeywordTier struct {
	Name        string              `yaml:"name"`
	Confidence  map[string]float64  `yaml:"confidence"`
	NeedsReview bool                `yaml:"needs_review"`
	Keywords    map[string][]string `yaml:"keywords"`
}

type CashflowKeywords struct {
	NonCash []string `yaml:"non_cash"`
	Default struct {
		Category   string  `yaml:"category"`
		Confidence float64 `yaml:"confidence"`
	} `yaml:"default"`
	Tiers []CashflowKeywordTier `yaml:"tiers"`
}

var (
	cashflowKeywords     *CashflowKeywords
	cashflowKeywordsErr  error
	cashflowKeywordsOnce sync.Once
)

// ParseCashflowKeywords decodes a keyword document and lowercases every keyword.
func ParseCashflowKeywords(raw []byte) (*CashflowKeywords, error) {
	var kw CashflowKeywords
	if err := yaml.Unmarshal(raw, &kw); err != nil {
		return nil, fmt.Errorf("parse cash-flow keywords: %w", err)
	}
	if len(kw.Tiers) == 0 {
		return nil, fmt.Errorf("parse cash-flow keywords: no tiers defined")
	}
	for i, k := range kw.NonCash {
		kw.NonCash[i] = strings.ToLower(strings.TrimSpace(k))
	}
	for ti := range kw.Tiers {
		for cat, words := range kw.Tiers[ti].Keywords {
			for i, w := range words {
				words[i] = strings.ToLower(strings.TrimSpace(w))
			}
			kw.Tiers[ti].Keywords[cat] = words
		}
	}
	if kw.Default.Category == "" {
		kw.Default.Category = "OPERATING"
	}
	return &kw, nil
}

// GetCashflowKeywords loads CASHFLOW_KEYWORDS_FILE when set, else the embedded defaults.
func GetCashflowKeywords() (*CashflowKeywords, error) {
	cashflowKeywordsOnce.Do(func() {
		raw := defaultCashflowKeywords
		if path := strings.TrimSpace(os.Getenv("CASHFLOW_KEYWORDS_FILE")); path != "" {
			b, err := os.ReadFile(path)
			if err != nil {
				cashflowKeywordsErr = fmt.Errorf("read %s: %w", path, err)
				return
			}
			raw = b
		}
		cashflowKeywords, cashflowKeywordsErr = ParseCashflowKeywords(raw)
	})
	return cashflowKeywords, cashflowKeywordsErr
}
