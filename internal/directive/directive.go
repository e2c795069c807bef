// Package directive parses "#SHEPHERD"-prefixed comment lines embedded
// in submission scripts into typed overrides, and splits a script into
// its sbatch header and body for wrapper invocation wrapping. Grounded
// on the teacher's internal/parser line-oriented comment scanning,
// extended with the option table from spec.md §6.
package directive

import (
	"bufio"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const prefix = "#SHEPHERD"

// Options holds every recognized directive, parsed into Go types.
// Some fields are pointers or carry a Has* flag so a script that never
// mentions the directive leaves them unset rather than zero; for the
// remaining fields the zero value stands for "not given".
type Options struct {
	GPUs                int
	HasGPUs             bool
	MinVRAM             int
	HasMinVRAM          bool
	MaxVRAM             int
	HasMaxVRAM          bool
	Prefer              string
	Mode                string
	RunID               string
	Partitions          []string
	MaxRetries          *int
	KeepAliveSec        *int64
	HeartbeatIntervalSec int64
	HeartbeatGraceSec    int64
	BackoffBaseSec       int64
	BackoffMaxSec        int64
	BlacklistTTLSec      *int64

	// Supplemented directives, from original_source/shepherd/cli.py's
	// config-set allow-list.
	SbatchArgs          string
	BlacklistLimit      int
	HasBlacklistLimit   bool
	ProgressStallSec    *int64
	ResetToPreferredSec int64
	RetryPerPartition   int
}

// Parse scans script for "#SHEPHERD" comment lines and returns the
// accumulated options. Unknown or malformed tokens are skipped rather
// than rejected, matching the forgiving style of a comment-embedded DSL.
func Parse(script string) Options {
	var opts Options
	scanner := bufio.NewScanner(strings.NewReader(script))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, prefix))
		tokens, err := Tokenize(rest)
		if err != nil {
			continue
		}
		applyTokens(&opts, tokens)
	}
	return opts
}

func applyTokens(opts *Options, tokens []string) {
	next := func(i int) (string, bool) {
		if i+1 < len(tokens) {
			return tokens[i+1], true
		}
		return "", false
	}
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		switch tok {
		case "--gpus":
			if v, ok := next(i); ok {
				if n, err := strconv.Atoi(v); err == nil {
					opts.GPUs, opts.HasGPUs = n, true
				}
				i++
			}
		case "--min-vram":
			if v, ok := next(i); ok {
				if n, err := strconv.Atoi(v); err == nil {
					opts.MinVRAM, opts.HasMinVRAM = n, true
				}
				i++
			}
		case "--max-vram":
			if v, ok := next(i); ok {
				if n, err := strconv.Atoi(v); err == nil {
					opts.MaxVRAM, opts.HasMaxVRAM = n, true
				}
				i++
			}
		case "--prefer":
			if v, ok := next(i); ok {
				opts.Prefer = v
				i++
			}
		case "--mode":
			if v, ok := next(i); ok {
				opts.Mode = v
				i++
			}
		case "--run-id":
			if v, ok := next(i); ok {
				opts.RunID = v
				i++
			}
		case "--partitions":
			if v, ok := next(i); ok {
				opts.Partitions = splitCSV(v)
				i++
			}
		case "--max-retries":
			if v, ok := next(i); ok {
				if n, err := strconv.Atoi(v); err == nil {
					opts.MaxRetries = &n
				}
				i++
			}
		case "--keep-alive":
			if v, ok := next(i); ok {
				if n, err := strconv.ParseInt(v, 10, 64); err == nil {
					opts.KeepAliveSec = &n
				}
				i++
			}
		case "--heartbeat-interval":
			if v, ok := next(i); ok {
				if n, err := strconv.ParseInt(v, 10, 64); err == nil {
					opts.HeartbeatIntervalSec = n
				}
				i++
			}
		case "--heartbeat-grace":
			if v, ok := next(i); ok {
				if n, err := strconv.ParseInt(v, 10, 64); err == nil {
					opts.HeartbeatGraceSec = n
				}
				i++
			}
		case "--backoff-base":
			if v, ok := next(i); ok {
				if n, err := strconv.ParseInt(v, 10, 64); err == nil {
					opts.BackoffBaseSec = n
				}
				i++
			}
		case "--backoff-max":
			if v, ok := next(i); ok {
				if n, err := strconv.ParseInt(v, 10, 64); err == nil {
					opts.BackoffMaxSec = n
				}
				i++
			}
		case "--blacklist-ttl":
			if v, ok := next(i); ok {
				if n, err := strconv.ParseInt(v, 10, 64); err == nil {
					opts.BlacklistTTLSec = &n
				}
				i++
			}
		case "--sbatch-args":
			if v, ok := next(i); ok {
				opts.SbatchArgs = v
				i++
			}
		case "--blacklist-limit":
			if v, ok := next(i); ok {
				if n, err := strconv.Atoi(v); err == nil {
					opts.BlacklistLimit, opts.HasBlacklistLimit = n, true
				}
				i++
			}
		case "--progress-stall":
			if v, ok := next(i); ok {
				if n, err := strconv.ParseInt(v, 10, 64); err == nil {
					opts.ProgressStallSec = &n
				}
				i++
			}
		case "--reset-to-preferred":
			if v, ok := next(i); ok {
				if n, err := strconv.ParseInt(v, 10, 64); err == nil {
					opts.ResetToPreferredSec = n
				}
				i++
			}
		case "--retry-per-partition":
			if v, ok := next(i); ok {
				if n, err := strconv.Atoi(v); err == nil {
					opts.RetryPerPartition = n
				}
				i++
			}
		}
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// EffectiveRunID returns opts.RunID if set, otherwise a freshly generated
// id, used by the core when submitting a script that never named its own
// run via "--run-id".
func EffectiveRunID(opts Options) string {
	if opts.RunID != "" {
		return opts.RunID
	}
	return uuid.NewString()
}

// SplitScript separates script into its sbatch-header prefix (shebang,
// "#SBATCH" lines, blank/comment lines — but not "#SHEPHERD" lines,
// which are dropped) and the remaining body, per spec.md §4.8's script
// wrapping contract.
func SplitScript(script string) (header, body string) {
	lines := strings.Split(script, "\n")
	var headerLines, bodyLines []string
	inHeader := true
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if inHeader {
			switch {
			case strings.HasPrefix(trimmed, prefix):
				continue // dropped, never emitted in either half
			case strings.HasPrefix(trimmed, "#!"),
				strings.HasPrefix(trimmed, "#SBATCH"),
				trimmed == "",
				strings.HasPrefix(trimmed, "#"):
				headerLines = append(headerLines, line)
				continue
			default:
				inHeader = false
			}
		}
		bodyLines = append(bodyLines, line)
	}
	return strings.Join(headerLines, "\n"), strings.Join(bodyLines, "\n")
}
