package server

import (
	"bytes"
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/flashbots/escrow-endpoint/adapters/webfile"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// FileConfig holds the settings that may come from a YAML config file. Keys
// are the command line flag names.
type FileConfig struct {
	ListenAddress       string `yaml:"listen"`
	MetricsAddress      string `yaml:"metrics"`
	RedisUrl            string `yaml:"redis"`
	PsqlDsn             string `yaml:"psql"`
	Manager             string `yaml:"manager"`
	PayoutKey           string `yaml:"payoutKey"`
	NodeUrl             string `yaml:"nodeUrl"`
	RelayUrl            string `yaml:"relayUrl"`
	NetworkId           string `yaml:"networkId"`
	DrainSeconds        int    `yaml:"drainSeconds"`
	ReplayWindowSeconds int    `yaml:"replayWindowSeconds"`
	RequestValidity     int    `yaml:"requestValiditySeconds"`
	Confirmations       int    `yaml:"depositConfirmations"`
	PayoutPollSeconds   int    `yaml:"payoutPollSeconds"`
	Debug               bool   `yaml:"debug"`
	LogJSON             bool   `yaml:"log-json"`
	ServiceName         string `yaml:"serviceName"`
}

// ReadConfigFile loads a config from a local path or an http(s) URL. Unknown keys are an error.
func ReadConfigFile(ctx context.Context, location string) (*FileConfig, error) {
	var data []byte
	var err error
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		data, err = webfile.NewFetcher(location).Fetch(ctx)
	} else {
		data, err = os.ReadFile(location)
	}
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}

	cfg := new(FileConfig)
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Wrap(err, "parse config file")
	}
	return cfg, nil
}

// FlagValues returns the settings present in the file, keyed by flag name.
func (c *FileConfig) FlagValues() map[string]string {
	values := map[string]string{
		"listen":      c.ListenAddress,
		"metrics":     c.MetricsAddress,
		"redis":       c.RedisUrl,
		"psql":        c.PsqlDsn,
		"manager":     c.Manager,
		"payoutKey":   c.PayoutKey,
		"nodeUrl":     c.NodeUrl,
		"relayUrl":    c.RelayUrl,
		"networkId":   c.NetworkId,
		"serviceName": c.ServiceName,
	}
	if c.DrainSeconds > 0 {
		values["drainSeconds"] = strconv.Itoa(c.DrainSeconds)
	}
	if c.ReplayWindowSeconds > 0 {
		values["replayWindowSeconds"] = strconv.Itoa(c.ReplayWindowSeconds)
	}
	if c.RequestValidity > 0 {
		values["requestValiditySeconds"] = strconv.Itoa(c.RequestValidity)
	}
	if c.Confirmations > 0 {
		values["depositConfirmations"] = strconv.Itoa(c.Confirmations)
	}
	if c.PayoutPollSeconds > 0 {
		values["payoutPollSeconds"] = strconv.Itoa(c.PayoutPollSeconds)
	}
	if c.Debug {
		values["debug"] = "true"
	}
	if c.LogJSON {
		values["log-json"] = "true"
	}
	for k, v := range values {
		if v == "" {
			delete(values, k)
		}
	}
	return values
}
