package wallet

import (
	"context"
	"errors"
	"strings"
)

// ProbeMode selects how method support is determined. Passive probing never
// invokes methods that mutate wallet state; active probing invokes every
// method with minimal synthetic parameters and classifies support by whether
// the wallet answers "method not found".
type ProbeMode string

const (
	ProbePassive ProbeMode = "passive"
	ProbeActive  ProbeMode = "active"
)

// MethodProbe reports the support verdict for a single RPC method.
type MethodProbe struct {
	Method    string `json:"method"`
	Supported bool   `json:"supported"`
	Code      int    `json:"code,omitempty"`
	Message   string `json:"message"`
}

// passiveSkipMethods are state-mutating or high-risk calls that a passive
// probe reports as assumed-supported without touching the wallet.
var passiveSkipMethods = map[string]struct{}{
	"sweep_all":              {},
	"prepare_multisig":       {},
	"make_multisig":          {},
	"exchange_multisig_keys": {},
	"export_multisig_info":   {},
	"import_multisig_info":   {},
	"sign_multisig":          {},
	"submit_multisig":        {},
}

func probeParams(method string) interface{} {
	switch method {
	case "create_address":
		return map[string]interface{}{"account_index": 0, "label": "dstream_probe"}
	case "get_transfers":
		return map[string]interface{}{"in": true}
	case "get_balance":
		return map[string]interface{}{"account_index": 0}
	case "sweep_all":
		return map[string]interface{}{"account_index": 0, "subaddr_indices": []uint32{0}, "address": "invalid"}
	case "make_multisig":
		return map[string]interface{}{"multisig_info": []string{"probe_info"}, "threshold": 2, "password": ""}
	case "exchange_multisig_keys":
		return map[string]interface{}{"multisig_info": []string{"probe_exchange"}, "password": ""}
	case "import_multisig_info":
		return map[string]interface{}{"info": []string{"probe_import"}}
	case "sign_multisig", "submit_multisig":
		return map[string]interface{}{"tx_data_hex": "00"}
	default:
		return struct{}{}
	}
}

// ProbeMethods classifies each named method as supported or not. Duplicate
// and blank entries are dropped; order of first appearance is preserved. A
// non-"method not found" RPC error still counts as supported, since the
// wallet understood the call.
func (c *Client) ProbeMethods(ctx context.Context, methods []string, mode ProbeMode) []MethodProbe {
	if mode != ProbeActive {
		mode = ProbePassive
	}
	seen := make(map[string]struct{}, len(methods))
	probes := make([]MethodProbe, 0, len(methods))
	for _, method := range methods {
		method = strings.TrimSpace(method)
		if method == "" {
			continue
		}
		if _, dup := seen[method]; dup {
			continue
		}
		seen[method] = struct{}{}

		if mode == ProbePassive {
			if _, skip := passiveSkipMethods[method]; skip {
				probes = append(probes, MethodProbe{
					Method:    method,
					Supported: true,
					Message:   "skipped in passive mode (assumed supported)",
				})
				continue
			}
		}

		err := c.call(ctx, method, probeParams(method), nil)
		if err == nil {
			probes = append(probes, MethodProbe{Method: method, Supported: true, Message: "ok"})
			continue
		}
		var callErr *CallError
		if errors.As(err, &callErr) && callErr.Kind == ErrorKindRPC {
			probes = append(probes, MethodProbe{
				Method:    method,
				Supported: callErr.Code != methodNotFoundCode,
				Code:      callErr.Code,
				Message:   callErr.Message,
			})
			continue
		}
		probes = append(probes, MethodProbe{Method: method, Supported: false, Message: err.Error()})
	}
	return probes
}
