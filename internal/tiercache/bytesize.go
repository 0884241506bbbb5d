package tiercache

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var sizeUnits = []struct {
	suffix string
	mult   float64
}{
	{"gb", 1 << 30},
	{"mb", 1 << 20},
	{"kb", 1 << 10},
	{"g", 1 << 30},
	{"m", 1 << 20},
	{"k", 1 << 10},
	{"b", 1},
}

// parseBytes reads sizes such as "512", "64kb", "1.5m" or "2G". Units are
// powers of 1024.
func parseBytes(s string) (int64, error) {
	in := s
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, errors.New("empty size")
	}
	mult := 1.0
	for _, u := range sizeUnits {
		if strings.HasSuffix(s, u.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			mult = u.mult
			break
		}
	}
	if s == "" {
		return 0, errors.Errorf("invalid size %q", in)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid size %q", in)
	}
	if v < 0 {
		return 0, errors.Errorf("negative size %q", in)
	}
	return int64(v * mult), nil
}
