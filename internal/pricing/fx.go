package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bundlepay/server/internal/cacheutil"
	"github.com/bundlepay/server/internal/rpcutil"
)

// fxRetryBudget bounds one refresh including retries. Quote callers block
// on the fx lock for at most this long.
const fxRetryBudget = 15 * time.Second

// usdPerToken returns the chain token's USD price. Values newer than
// FXCacheTTL serve from cache. When a refresh fails, the previous rate is
// reused until it ages past FXStaleCap, after which quoting stops rather
// than charging against a rate that may have moved.
func (o *Oracle) usdPerToken(ctx context.Context) (float64, error) {
	return cacheutil.ReadThrough(
		&o.fxMu,
		func(now time.Time) (float64, bool) {
			if !o.fx.FetchedAt.IsZero() && o.fx.Age(now) < o.cfg.FXCacheTTL.Duration {
				return o.fx.Value, true
			}
			return 0, false
		},
		func(now time.Time) (float64, error) {
			// Rate endpoints throttle and flap; a short retry burst beats
			// falling into the stale window for a single dropped call. The
			// burst budget caps how long the fx lock is held when the
			// endpoint hangs instead of erroring.
			fxCtx, cancel := context.WithTimeout(ctx, fxRetryBudget)
			rate, err := rpcutil.WithRetry(fxCtx, func() (float64, error) {
				return o.fetchRate(fxCtx)
			})
			cancel()
			if err != nil {
				if !o.fx.FetchedAt.IsZero() && o.fx.Age(now) < o.cfg.FXStaleCap.Duration {
					o.logger.Warn().
						Err(err).
						Dur("rate_age", o.fx.Age(now)).
						Msg("fx refresh failed, serving cached rate")
					return o.fx.Value, nil
				}
				o.logger.Error().Err(err).Msg("fx rate unavailable")
				return 0, ErrUnavailable
			}
			o.fx = cacheutil.CachedValue[float64]{Value: rate, FetchedAt: now}
			return rate, nil
		},
	)
}

// fetchRate calls the FX endpoint. Accepts both the nested coingecko shape
// {"arweave":{"usd":N}} and a flat {"usd":N}.
func (o *Oracle) fetchRate(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.cfg.FXURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build fx request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch fx rate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("fx endpoint returned status %d", resp.StatusCode)
	}

	var payload struct {
		Arweave struct {
			USD float64 `json:"usd"`
		} `json:"arweave"`
		USD float64 `json:"usd"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&payload); err != nil {
		return 0, fmt.Errorf("decode fx response: %w", err)
	}

	rate := payload.Arweave.USD
	if rate == 0 {
		rate = payload.USD
	}
	if !validRate(rate) {
		return 0, fmt.Errorf("%w: %v", ErrRateInvalid, rate)
	}
	return rate, nil
}
