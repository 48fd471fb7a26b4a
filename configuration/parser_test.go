package configuration

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"
)

type localConfiguration struct {
	Version       Version `yaml:"version"`
	Log           *Log    `yaml:"log"`
	Notifications []Notif `yaml:"notifications,omitempty"`
}

type Notif struct {
	Name string `yaml:"name"`
}

var expectedConfig = localConfiguration{
	Version: "0.1",
	Log: &Log{
		Formatter: "json",
	},
	Notifications: []Notif{
		{Name: "foo"},
		{Name: "bar"},
		{Name: "car"},
	},
}

const testConfig = `version: "0.1"
log:
  formatter: "text"
notifications:
  - name: "foo"
  - name: "bar"
  - name: "car"`

func newLocalParser() *Parser {
	return NewParser("ingest", []VersionedParseInfo{
		{
			Version: "0.1",
			ParseAs: reflect.TypeOf(localConfiguration{}),
			ConversionFunc: func(c interface{}) (interface{}, error) {
				return c, nil
			},
		},
	})
}

func TestParserOverwriteInitializedPointer(t *testing.T) {
	config := localConfiguration{}

	t.Setenv("INGEST_LOG_FORMATTER", "json")

	err := newLocalParser().Parse([]byte(testConfig), &config)
	require.NoError(t, err)
	require.Equal(t, expectedConfig, config)
}

const testConfig2 = `version: "0.1"
log:
  formatter: "text"
notifications:
  - name: "val1"
  - name: "val2"
  - name: "car"`

func TestParserOverwriteSliceElements(t *testing.T) {
	config := localConfiguration{}

	t.Setenv("INGEST_LOG_FORMATTER", "json")

	// override only first two notifications values in testConfig2: leave
	// the last value unchanged.
	t.Setenv("INGEST_NOTIFICATIONS_0_NAME", "foo")
	t.Setenv("INGEST_NOTIFICATIONS_1_NAME", "bar")

	err := newLocalParser().Parse([]byte(testConfig2), &config)
	require.NoError(t, err)
	require.Equal(t, expectedConfig, config)
}

func TestParserSliceIndexOutOfBounds(t *testing.T) {
	config := localConfiguration{}

	t.Setenv("INGEST_NOTIFICATIONS_3_NAME", "dar")

	err := newLocalParser().Parse([]byte(testConfig), &config)
	require.Error(t, err)
}

func TestParserUnsupportedVersion(t *testing.T) {
	config := localConfiguration{}

	err := newLocalParser().Parse([]byte(`version: "0.2"`), &config)
	require.ErrorContains(t, err, "unsupported version")
}
