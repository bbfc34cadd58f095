package stats

import (
	"math"
	"strconv"

	"github.com/spider-stats-pusher/internal/types"
)

// OutcomeCounters accumulates one reporting window. It is not safe for
// concurrent use; Aggregator guards it with a mutex.
type OutcomeCounters struct {
	WindowStart  int64 // unix ms
	ProcessStart int64 // unix ms, carried over from window to window

	TotalRequests      uint64
	SuccessfulRequests uint64
	CacheHits          uint64
	ParseErrors        uint64
	TimeoutErrors      uint64
	ConnectionErrors   uint64
	TotalLatencyMs     int64

	// StatusCodes never contains code 0.
	StatusCodes map[uint16]uint64
}

func newCounters(processStart, windowStart int64) *OutcomeCounters {
	return &OutcomeCounters{
		WindowStart:  windowStart,
		ProcessStart: processStart,
		StatusCodes:  make(map[uint16]uint64),
	}
}

// add applies one outcome. Invalid outcomes are ignored entirely so the
// total always equals the sum of its parts.
func (c *OutcomeCounters) add(issuedAtMs, receivedAtMs int64, statusCode uint16, outcome Outcome) bool {
	switch outcome {
	case Success:
		c.SuccessfulRequests++
	case SuccessCached:
		c.SuccessfulRequests++
		c.CacheHits++
	case ParseError:
		c.ParseErrors++
	case TimeoutError:
		c.TimeoutErrors++
	case ConnectionError:
		c.ConnectionErrors++
	default:
		return false
	}

	c.TotalRequests++
	c.TotalLatencyMs += receivedAtMs - issuedAtMs
	if statusCode != 0 {
		c.StatusCodes[statusCode]++
	}
	return true
}

func (c *OutcomeCounters) clone() OutcomeCounters {
	cp := *c
	cp.StatusCodes = make(map[uint16]uint64, len(c.StatusCodes))
	for code, n := range c.StatusCodes {
		cp.StatusCodes[code] = n
	}
	return cp
}

// report builds the wire document for the window ending at endMs.
func (c *OutcomeCounters) report(base types.ReportBase, endMs int64) *types.Report {
	failures := c.ParseErrors + c.TimeoutErrors + c.ConnectionErrors

	var errorRate, avgLatency, cacheHitRate float64
	if c.TotalRequests > 0 {
		errorRate = float64(failures) / float64(c.TotalRequests)
		avgLatency = round3(float64(c.TotalLatencyMs) / float64(c.TotalRequests))
	}
	if c.SuccessfulRequests > 0 {
		cacheHitRate = round3(float64(c.CacheHits) / float64(c.SuccessfulRequests))
	}

	codes := make(map[string]uint64, len(c.StatusCodes))
	for code, n := range c.StatusCodes {
		codes[strconv.Itoa(int(code))] = n
	}

	return &types.Report{
		ReportBase: base,
		TimePeriod: types.TimePeriod{Start: c.WindowStart, End: endMs},
		ErrorRate:  errorRate,
		ExceptionTypes: types.ExceptionTypes{
			ConnectionError: c.ConnectionErrors,
			TimeoutError:    c.TimeoutErrors,
			ParseError:      c.ParseErrors,
		},
		RuntimeDuration:       (endMs - c.ProcessStart) / 1000,
		TotalRequests:         c.TotalRequests,
		CacheHitRate:          cacheHitRate,
		CacheHit:              c.CacheHits,
		HTTPStatusCodes:       codes,
		AverageRequestLatency: avgLatency,
		HostsPingDelay:        map[string]float64{},
	}
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
