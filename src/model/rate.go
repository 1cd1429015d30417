package model

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Rate is an exact decimal fraction, e.g. 0.03 or "3%".
type Rate struct {
	r *big.Rat
}

func ParseRate(s string) (Rate, error) {
	s = strings.TrimSpace(s)
	percent := strings.HasSuffix(s, "%")
	s = strings.TrimSuffix(s, "%")
	r, ok := new(big.Rat).SetString(strings.TrimSpace(s))
	if !ok {
		return Rate{}, fmt.Errorf("invalid rate %q", s)
	}
	if percent {
		r.Quo(r, big.NewRat(100, 1))
	}
	return Rate{r: r}, nil
}

func MustParseRate(s string) Rate {
	r, err := ParseRate(s)
	if err != nil {
		panic(err)
	}
	return r
}

func (r Rate) IsSet() bool {
	return r.r != nil
}

func (r Rate) Rat() *big.Rat {
	if r.r == nil {
		return new(big.Rat)
	}
	return new(big.Rat).Set(r.r)
}

func (r Rate) IsZero() bool {
	return r.r == nil || r.r.Sign() == 0
}

// Apply returns floor(v * r) for non-negative v.
func (r Rate) Apply(v *big.Int) *big.Int {
	if r.r == nil || v == nil {
		return new(big.Int)
	}
	out := new(big.Int).Mul(v, r.r.Num())
	return out.Quo(out, r.r.Denom())
}

func (r Rate) String() string {
	if r.r == nil {
		return "0"
	}
	return r.r.FloatString(6)
}

func (r *Rate) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	var parsed Rate
	var err error
	switch v := raw.(type) {
	case nil:
		return nil
	case int:
		parsed, err = ParseRate(strconv.Itoa(v))
	case float64:
		parsed, err = ParseRate(strconv.FormatFloat(v, 'f', -1, 64))
	case string:
		parsed, err = ParseRate(v)
	default:
		return fmt.Errorf("unsupported rate value %v", v)
	}
	if err != nil {
		return errors.Wrap(err, "failed parsing rate")
	}
	*r = parsed
	return nil
}
