//go:build !sonic

// Package jsonx selects the JSON codec at build time.
package jsonx

import (
	"github.com/goccy/go-json"
)

const Codec = "goccy/go-json"

var Marshal = json.Marshal
var MarshalIndent = json.MarshalIndent
var Unmarshal = json.Unmarshal
