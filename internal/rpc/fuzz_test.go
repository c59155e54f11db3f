package rpc

import (
	"encoding/json"
	"testing"
)

// FuzzRequestUnmarshal checks that arbitrary JSON never panics when parsed
// as a request and routed through parseParams.
func FuzzRequestUnmarshal(f *testing.F) {
	f.Add([]byte(`{"jsonrpc":"2.0","method":"gossip_getView","params":null,"id":1}`))
	f.Add([]byte(`{"jsonrpc":"2.0","method":"net_connect","params":{"addr":"127.0.0.1:8081"},"id":"x"}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`null`))
	f.Add([]byte(`{"method":"","params":[]}`))
	f.Add([]byte(`{"jsonrpc":"2.0","method":"net_connect","params":[1,2,3],"id":999}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}
		var p ConnectParam
		_ = parseParams(&req, &p)
	})
}
