package queue

import "time"

// Strategy names how a retry delay grows with the attempt number.
type Strategy string

const (
	StrategyNone        Strategy = "none"
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
)

// Policy describes how failures of one Kind are retried.
type Policy struct {
	Retry    bool
	Strategy Strategy
	Base     time.Duration
	Cap      time.Duration
}

// DelayLadder is the fixed set of holding-queue delays, ascending.
// Raw policy delays snap up to the nearest rung so the broker only
// ever needs this many TTL'd queues per org.
var DelayLadder = []time.Duration{
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	5 * time.Second,
	8 * time.Second,
	15 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

var policies = map[Kind]Policy{
	KindValidation:        {Retry: false, Strategy: StrategyNone},
	KindUnsupportedSchema: {Retry: false, Strategy: StrategyNone},
	KindPermanentUpstream: {Retry: false, Strategy: StrategyNone},
	KindDuplicate:         {Retry: false, Strategy: StrategyNone},
	KindPoison:            {Retry: false, Strategy: StrategyNone},
	KindRateLimit:         {Retry: true, Strategy: StrategyExponential, Base: time.Second, Cap: 60 * time.Second},
	KindTransientIO:       {Retry: true, Strategy: StrategyExponential, Base: 500 * time.Millisecond, Cap: 30 * time.Second},
	KindHandlerTimeout:    {Retry: true, Strategy: StrategyLinear, Base: 5 * time.Second, Cap: 60 * time.Second},
	KindUnknown:           {Retry: true, Strategy: StrategyExponential, Base: time.Second, Cap: 30 * time.Second},
	KindBrokerUnavailable: {Retry: true, Strategy: StrategyExponential, Base: time.Second, Cap: 30 * time.Second},
	KindStoreUnavailable:  {Retry: true, Strategy: StrategyExponential, Base: time.Second, Cap: 30 * time.Second},
}

// PolicyFor returns the retry policy for an error kind. Unlisted kinds
// are not retried.
func PolicyFor(kind Kind) Policy {
	if p, ok := policies[kind]; ok {
		return p
	}
	return Policy{Retry: false, Strategy: StrategyNone}
}

// Delay computes the raw backoff for the given attempt (1-based).
// Callers snap the result onto the DelayLadder before scheduling.
func (p Policy) Delay(attempt int) time.Duration {
	if !p.Retry || attempt < 1 {
		return 0
	}
	var d time.Duration
	switch p.Strategy {
	case StrategyLinear:
		d = p.Base * time.Duration(attempt)
	case StrategyExponential:
		d = p.Base
		for i := 1; i < attempt; i++ {
			d *= 2
			if p.Cap > 0 && d >= p.Cap {
				d = p.Cap
				break
			}
		}
	default:
		return 0
	}
	if p.Cap > 0 && d > p.Cap {
		d = p.Cap
	}
	return d
}

// SnapDelay rounds a raw delay up to the nearest ladder rung. Delays
// beyond the tallest rung clamp to it.
func SnapDelay(d time.Duration) time.Duration {
	for _, rung := range DelayLadder {
		if d <= rung {
			return rung
		}
	}
	return DelayLadder[len(DelayLadder)-1]
}

// Decision is the outcome of classifying a handler failure.
type Decision struct {
	// Retry is true when the message should be rescheduled.
	Retry bool
	// Delay is the ladder-snapped holding delay for the retry.
	Delay time.Duration
	// Demote is true when the retry drops one priority class.
	Demote bool
	// Kind is the classified error kind, recorded in error_history.
	Kind Kind
}

// Decide applies the error-policy map to a failed message. Retries are
// exhausted when the next attempt would exceed max_retries; demotion is
// suppressed by the publisher's no_demote flag and clamps at P3.
func Decide(m *Message, err error) Decision {
	kind := KindOf(err)
	p := PolicyFor(kind)
	if !p.Retry {
		return Decision{Retry: false, Kind: kind}
	}
	if m.RetryCount+1 > m.MaxRetries {
		return Decision{Retry: false, Kind: kind}
	}
	return Decision{
		Retry:  true,
		Delay:  SnapDelay(p.Delay(m.RetryCount + 1)),
		Demote: !m.NoDemote && m.Priority != P3,
		Kind:   kind,
	}
}
