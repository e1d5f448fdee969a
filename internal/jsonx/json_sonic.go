//go:build sonic

package jsonx

import (
	"github.com/bytedance/sonic"
)

const Codec = "bytedance/sonic"

var Marshal = sonic.Marshal
var MarshalIndent = sonic.MarshalIndent
var Unmarshal = sonic.Unmarshal
