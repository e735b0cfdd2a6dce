package realtime

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Market lists the kline periods streamed for one symbol.
type Market struct {
	Symbol  string   `yaml:"symbol"`
	Periods []string `yaml:"periods"`
}

// Catalog is the set of streams the engine agrees to subscribe to.
//
// Example file:
//
//	markets:
//	  - symbol: BTCUSDT
//	    periods: [1m, 5m, 1h]
//	  - symbol: ETHUSDT
//	    periods: [1m]
type Catalog struct {
	Markets []Market `yaml:"markets"`

	index map[string][]string
}

// LoadCatalog reads a YAML catalog from path.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read markets file: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse markets file: %w", err)
	}
	c.index = make(map[string][]string, len(c.Markets))
	for i, m := range c.Markets {
		if m.Symbol == "" || len(m.Periods) == 0 {
			return nil, fmt.Errorf("markets[%d]: symbol and periods are required", i)
		}
		symbol := strings.ToUpper(m.Symbol)
		c.index[symbol] = append(c.index[symbol], m.Periods...)
	}
	return &c, nil
}

// Allows reports whether symbol/period may be streamed. A nil catalog
// allows everything.
func (c *Catalog) Allows(symbol, period string) bool {
	if c == nil {
		return true
	}
	return slices.Contains(c.index[strings.ToUpper(symbol)], period)
}

// Len returns the number of symbols.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.index)
}
