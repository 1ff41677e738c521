package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"gatekeeper-go/internal/gatekeeper"
)

// Bootstrap is the on-disk form of a vault's initial configuration.
//
//	{
//	  "participants": ["0x..."],
//	  "delays": ["24h", "48h"],
//	  "approvalsPerLevel": [0, 1],
//	  "acceleratedCalls": true,
//	  "bypassByTarget": {"0xtarget": "0xpolicy"},
//	  "bypassByMethod": {"0xa9059cbb": "0xpolicy"}
//	}
type Bootstrap struct {
	Participants      []common.Hash                          `json:"participants"`
	Delays            []string                               `json:"delays"`
	ApprovalsPerLevel []uint32                               `json:"approvalsPerLevel"`
	AcceleratedCalls  bool                                   `json:"acceleratedCalls"`
	AddOperatorNow    bool                                   `json:"addOperatorNow"`
	BypassByTarget    map[common.Address]common.Address      `json:"bypassByTarget"`
	BypassByMethod    map[gatekeeper.Selector]common.Address `json:"bypassByMethod"`
}

// ReadBootstrap loads a bootstrap file.
func ReadBootstrap(path string) (Bootstrap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Bootstrap{}, fmt.Errorf("read bootstrap: %w", err)
	}
	var b Bootstrap
	if err := json.Unmarshal(data, &b); err != nil {
		return Bootstrap{}, fmt.Errorf("decode bootstrap: %w", err)
	}
	return b, nil
}

// InitialConfig converts b for gatekeeper.Engine.InitialConfig. Bypass
// entries are sorted so the bootstrap events come out in a stable order.
func (b Bootstrap) InitialConfig() (gatekeeper.InitialConfig, error) {
	cfg := gatekeeper.InitialConfig{
		Participants:      b.Participants,
		ApprovalsPerLevel: b.ApprovalsPerLevel,
		AcceleratedCalls:  b.AcceleratedCalls,
		AddOperatorNow:    b.AddOperatorNow,
	}
	for i, s := range b.Delays {
		d, err := time.ParseDuration(s)
		if err != nil {
			return gatekeeper.InitialConfig{}, fmt.Errorf("delay for level %d: %w", i+1, err)
		}
		cfg.Delays = append(cfg.Delays, d)
	}

	targets := slices.SortedFunc(maps.Keys(b.BypassByTarget), func(x, y common.Address) int {
		return x.Cmp(y)
	})
	for _, target := range targets {
		cfg.BypassTargets = append(cfg.BypassTargets, target)
		cfg.BypassTargetPolicies = append(cfg.BypassTargetPolicies, b.BypassByTarget[target])
	}
	methods := slices.SortedFunc(maps.Keys(b.BypassByMethod), func(x, y gatekeeper.Selector) int {
		return bytes.Compare(x[:], y[:])
	})
	for _, method := range methods {
		cfg.BypassMethods = append(cfg.BypassMethods, method)
		cfg.BypassMethodPolicies = append(cfg.BypassMethodPolicies, b.BypassByMethod[method])
	}
	return cfg, nil
}
