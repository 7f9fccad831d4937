// Package chain implements the blockchain collaborator over the Esplora
// REST API.
package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/dlcdevkit/go-ddk/lib/dlc"
	"github.com/dlcdevkit/go-ddk/lib/metrics"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

var log = logger.GetGoI2PLogger()

// ErrNotFound is returned when Esplora answers 404.
var ErrNotFound = errors.New("not found")

const maxResponseSize = 32 << 20

// EsploraClient talks to an Esplora HTTP server.
type EsploraClient struct {
	base       string
	httpClient *http.Client
	maxRetries uint64
	retryBase  time.Duration
}

var _ dlc.Blockchain = (*EsploraClient)(nil)

// NewEsploraClient returns a client for baseURL, e.g. http://127.0.0.1:30000.
func NewEsploraClient(baseURL string) *EsploraClient {
	return &EsploraClient{
		base:       strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
		retryBase:  200 * time.Millisecond,
	}
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("esplora returned %d: %s", e.status, e.body)
}

// do performs one request, retrying network failures and 5xx answers.
func (c *EsploraClient) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	b := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(c.retryBase))

	var out []byte
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "text/plain")
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return retry.RetryableError(err)
		}
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return oops.Wrapf(ErrNotFound, "%s %s", method, path)
		case resp.StatusCode >= 500:
			return retry.RetryableError(&statusError{status: resp.StatusCode, body: string(data)})
		case resp.StatusCode >= 300:
			return &statusError{status: resp.StatusCode, body: string(data)}
		}
		out = data
		return nil
	})
	if err != nil {
		log.WithFields(logger.Fields{
			"at":     "chain.EsploraClient.do",
			"method": method,
			"path":   path,
		}).WithError(err).Debug("esplora request failed")
		return nil, err
	}
	return out, nil
}

// Broadcast submits a raw transaction and returns its txid.
func (c *EsploraClient) Broadcast(ctx context.Context, rawTx []byte) (chainhash.Hash, error) {
	data, err := c.do(ctx, http.MethodPost, "/tx", []byte(hex.EncodeToString(rawTx)))
	if err != nil {
		log.WithError(err).Error("could not broadcast transaction")
		return chainhash.Hash{}, oops.Wrapf(err, "broadcasting transaction")
	}
	txid, err := chainhash.NewHashFromStr(strings.TrimSpace(string(data)))
	if err != nil {
		return chainhash.Hash{}, oops.Wrapf(err, "parsing broadcast txid")
	}
	log.WithFields(logger.Fields{
		"at":   "chain.EsploraClient.Broadcast",
		"txid": txid.String(),
		"size": len(rawTx),
	}).Info("broadcast transaction")
	return *txid, nil
}

// GetTransaction returns the raw transaction bytes.
func (c *EsploraClient) GetTransaction(ctx context.Context, txid chainhash.Hash) ([]byte, error) {
	data, err := c.do(ctx, http.MethodGet, "/tx/"+txid.String()+"/raw", nil)
	if err != nil {
		return nil, oops.Wrapf(err, "fetching transaction %s", txid)
	}
	return data, nil
}

// GetBlock returns the raw block at height.
func (c *EsploraClient) GetBlock(ctx context.Context, height uint32) ([]byte, error) {
	log.WithField("height", height).Debug("getting block at height")
	hashText, err := c.do(ctx, http.MethodGet, "/block-height/"+strconv.FormatUint(uint64(height), 10), nil)
	if err != nil {
		return nil, oops.Wrapf(err, "fetching block hash at height %d", height)
	}
	hash, err := chainhash.NewHashFromStr(strings.TrimSpace(string(hashText)))
	if err != nil {
		return nil, oops.Wrapf(err, "parsing block hash at height %d", height)
	}
	block, err := c.do(ctx, http.MethodGet, "/block/"+hash.String()+"/raw", nil)
	if err != nil {
		return nil, oops.Wrapf(err, "fetching block %s", hash)
	}
	return block, nil
}

// GetTipHeight returns the height of the best block.
func (c *EsploraClient) GetTipHeight(ctx context.Context) (uint32, error) {
	data, err := c.do(ctx, http.MethodGet, "/blocks/tip/height", nil)
	if err != nil {
		return 0, oops.Wrapf(err, "fetching tip height")
	}
	h, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32)
	if err != nil {
		return 0, oops.Wrapf(err, "parsing tip height %q", data)
	}
	metrics.ChainTipHeight.Set(float64(h))
	return uint32(h), nil
}

type txStatus struct {
	Confirmed   bool    `json:"confirmed"`
	BlockHeight *uint32 `json:"block_height"`
}

// GetConfirmations returns tip height minus the confirming block height, or
// zero for unconfirmed transactions. If a reorg leaves the tip below the
// recorded block height the result is clamped to zero.
func (c *EsploraClient) GetConfirmations(ctx context.Context, txid chainhash.Hash) (uint32, error) {
	data, err := c.do(ctx, http.MethodGet, "/tx/"+txid.String()+"/status", nil)
	if err != nil {
		return 0, oops.Wrapf(err, "fetching status of %s", txid)
	}
	var status txStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return 0, oops.Wrapf(err, "decoding status of %s", txid)
	}
	if !status.Confirmed || status.BlockHeight == nil {
		return 0, nil
	}
	tip, err := c.GetTipHeight(ctx)
	if err != nil {
		return 0, err
	}
	height := *status.BlockHeight
	if tip < height {
		log.WithFields(logger.Fields{
			"at":           "chain.EsploraClient.GetConfirmations",
			"txid":         txid.String(),
			"tip_height":   tip,
			"block_height": height,
			"reason":       "tip_below_block",
		}).Warn("chain tip is below confirming block, reporting zero confirmations")
		return 0, nil
	}
	return tip - height, nil
}
