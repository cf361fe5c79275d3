package wallet

import (
	"context"
	"errors"
	"strings"
)

// PrepareMultisigResult is the first-round blob each wallet contributes.
type PrepareMultisigResult struct {
	MultisigInfo string
}

// PrepareMultisig starts the multisig ceremony on this wallet.
func (c *Client) PrepareMultisig(ctx context.Context) (PrepareMultisigResult, error) {
	var result struct {
		MultisigInfo string `json:"multisig_info"`
	}
	if err := c.call(ctx, "prepare_multisig", struct{}{}, &result); err != nil {
		return PrepareMultisigResult{}, err
	}
	info := strings.TrimSpace(result.MultisigInfo)
	if info == "" {
		return PrepareMultisigResult{}, &CallError{Kind: ErrorKindInvalidResponse, Message: "prepare_multisig returned empty multisig_info"}
	}
	return PrepareMultisigResult{MultisigInfo: info}, nil
}

// MakeMultisigResult carries the wallet address once it materializes and the
// next-round exchange blob. Either field may be empty: an empty MultisigInfo
// means the key exchange is already complete.
type MakeMultisigResult struct {
	Address      string
	MultisigInfo string
}

// MakeMultisig combines the peers' prepare blobs into a threshold wallet.
func (c *Client) MakeMultisig(ctx context.Context, infos []string, threshold uint32) (MakeMultisigResult, error) {
	infos = trimNonEmpty(infos)
	if len(infos) == 0 {
		return MakeMultisigResult{}, errors.New("wallet: make_multisig requires at least one multisig_info")
	}
	if threshold < 2 {
		return MakeMultisigResult{}, errors.New("wallet: make_multisig threshold must be >= 2")
	}
	params := map[string]interface{}{
		"multisig_info": infos,
		"threshold":     threshold,
		"password":      "",
	}
	var result struct {
		Address      string `json:"address"`
		MultisigInfo string `json:"multisig_info"`
	}
	if err := c.call(ctx, "make_multisig", params, &result); err != nil {
		return MakeMultisigResult{}, err
	}
	return MakeMultisigResult{
		Address:      strings.TrimSpace(result.Address),
		MultisigInfo: strings.TrimSpace(result.MultisigInfo),
	}, nil
}

// ExchangeMultisigResult mirrors MakeMultisigResult for subsequent rounds.
type ExchangeMultisigResult struct {
	Address      string
	MultisigInfo string
}

// ExchangeMultisigKeys runs one key-exchange round with the peers' blobs.
func (c *Client) ExchangeMultisigKeys(ctx context.Context, infos []string) (ExchangeMultisigResult, error) {
	infos = trimNonEmpty(infos)
	if len(infos) == 0 {
		return ExchangeMultisigResult{}, errors.New("wallet: exchange_multisig_keys requires at least one multisig_info")
	}
	params := map[string]interface{}{
		"multisig_info": infos,
		"password":      "",
	}
	var result struct {
		Address      string `json:"address"`
		MultisigInfo string `json:"multisig_info"`
	}
	if err := c.call(ctx, "exchange_multisig_keys", params, &result); err != nil {
		return ExchangeMultisigResult{}, err
	}
	return ExchangeMultisigResult{
		Address:      strings.TrimSpace(result.Address),
		MultisigInfo: strings.TrimSpace(result.MultisigInfo),
	}, nil
}

// ExportMultisigInfo exports this wallet's partial key images for peers.
func (c *Client) ExportMultisigInfo(ctx context.Context) (string, error) {
	var result struct {
		Info string `json:"info"`
	}
	if err := c.call(ctx, "export_multisig_info", struct{}{}, &result); err != nil {
		return "", err
	}
	info := strings.TrimSpace(result.Info)
	if info == "" {
		return "", &CallError{Kind: ErrorKindInvalidResponse, Message: "export_multisig_info returned empty info"}
	}
	return info, nil
}

// ImportMultisigInfo imports peers' partial key images and reports how many
// outputs became known. The count is cumulative across calls, which is why
// the escrow engine accumulates rather than overwrites.
func (c *Client) ImportMultisigInfo(ctx context.Context, infos []string) (uint64, error) {
	infos = trimNonEmpty(infos)
	if len(infos) == 0 {
		return 0, errors.New("wallet: import_multisig_info requires at least one info entry")
	}
	var result struct {
		NOutputs         uint64 `json:"n_outputs"`
		NOutputsImported uint64 `json:"n_outputs_imported"`
	}
	if err := c.call(ctx, "import_multisig_info", map[string]interface{}{"info": infos}, &result); err != nil {
		return 0, err
	}
	if result.NOutputs > 0 {
		return result.NOutputs, nil
	}
	return result.NOutputsImported, nil
}

// SignMultisigResult holds the partially or fully signed transaction blob.
type SignMultisigResult struct {
	TxDataHex string
	Txids     []string
}

// SignMultisig adds this wallet's signature to the transaction blob.
func (c *Client) SignMultisig(ctx context.Context, txDataHex string) (SignMultisigResult, error) {
	txDataHex = strings.TrimSpace(txDataHex)
	if txDataHex == "" {
		return SignMultisigResult{}, errors.New("wallet: sign_multisig requires tx_data_hex")
	}
	var result struct {
		TxDataHex  string   `json:"tx_data_hex"`
		TxHashList []string `json:"tx_hash_list"`
	}
	if err := c.call(ctx, "sign_multisig", map[string]interface{}{"tx_data_hex": txDataHex}, &result); err != nil {
		return SignMultisigResult{}, err
	}
	signed := strings.TrimSpace(result.TxDataHex)
	if signed == "" {
		return SignMultisigResult{}, &CallError{Kind: ErrorKindInvalidResponse, Message: "sign_multisig returned empty tx_data_hex"}
	}
	return SignMultisigResult{TxDataHex: signed, Txids: trimNonEmpty(result.TxHashList)}, nil
}

// SubmitMultisig broadcasts a fully signed multisig transaction.
func (c *Client) SubmitMultisig(ctx context.Context, txDataHex string) ([]string, error) {
	txDataHex = strings.TrimSpace(txDataHex)
	if txDataHex == "" {
		return nil, errors.New("wallet: submit_multisig requires tx_data_hex")
	}
	var result struct {
		TxHashList []string `json:"tx_hash_list"`
	}
	if err := c.call(ctx, "submit_multisig", map[string]interface{}{"tx_data_hex": txDataHex}, &result); err != nil {
		return nil, err
	}
	return trimNonEmpty(result.TxHashList), nil
}

func trimNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
