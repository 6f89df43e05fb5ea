package alert

import (
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/gyaneshwarpardhi/soarflow/internal/fieldpath"
)

// DefaultFingerprintFields are the top-level fields hashed by default.
var DefaultFingerprintFields = []string{"type", "source", "severity"}

// DefaultFingerprintDataFields are looked up at top level, then under data.
var DefaultFingerprintDataFields = []string{"host", "source_ip", "user", "rule_id"}

// Fingerprint hashes the configured fields of a with xxhash. Identical
// field values always give identical fingerprints; the hash is not
// cryptographic.
func Fingerprint(a *Alert, fields, dataFields []string) string {
	d := xxhash.New()
	write := func(name, value string) {
		_, _ = d.WriteString(name)
		_, _ = d.WriteString("=")
		_, _ = d.WriteString(value)
		_, _ = d.WriteString("\x00")
	}
	top := a.Fields()
	for _, f := range fields {
		s, _ := fieldpath.String(top, f)
		write(f, s)
	}
	for _, f := range dataFields {
		write("data."+f, a.LookupString(f))
	}
	return strconv.FormatUint(d.Sum64(), 16)
}
