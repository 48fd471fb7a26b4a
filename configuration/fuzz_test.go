package configuration

import (
	"bytes"
	"testing"
)

// FuzzConfigurationParse feeds arbitrary documents to Parse.
func FuzzConfigurationParse(f *testing.F) {
	f.Fuzz(func(t *testing.T, data []byte) {
		rd := bytes.NewReader(data)
		_, _ = Parse(rd)
	})
}
