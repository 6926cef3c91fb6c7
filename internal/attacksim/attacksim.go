// Package attacksim implements the adversarial behaviors described as a
// test harness for the peer protocol: vote flipping, vote skipping, vote
// delay, forged alert results, and spam proposals. None of this is
// production logic — every entry point is only reachable when the caller's
// Config.AttackMode is true, and that flag is read once at startup (see
// internal/config), so it cannot be toggled at runtime.
package attacksim

import (
	"math/rand"
	"time"

	"github.com/wardenmesh/warden/internal/config"
)

// Profile is the probability table governing adversarial behavior,
// mirroring the source's ATTACK_PROFILE.
type Profile struct {
	VoteFlipProb     float64
	FalseAlertProb   float64
	SpamProposeProb  float64
	SkipVoteProb     float64
	DelayVoteProb    float64
	DelaySeconds     time.Duration
	FalseProposeProb float64
}

// ProfileFromConfig builds a Profile from the loaded configuration.
func ProfileFromConfig(a config.AttackTunables) Profile {
	return Profile{
		VoteFlipProb:     a.VoteFlipProb,
		FalseAlertProb:   a.FalseAlertProb,
		SpamProposeProb:  a.SpamProposeProb,
		SkipVoteProb:     a.SkipVoteProb,
		DelayVoteProb:    a.DelayVoteProb,
		DelaySeconds:     a.DelaySeconds,
		FalseProposeProb: a.FalseProposeProb,
	}
}

// Simulator applies Profile decisions. It is only ever constructed by
// cmd/warden when Config.AttackMode is true.
type Simulator struct {
	profile Profile
	rng     *rand.Rand
}

// NewSimulator builds a Simulator with its own random source, independent
// of the package-global one, so concurrent handlers don't contend on a
// shared lock.
func NewSimulator(profile Profile) *Simulator {
	return &Simulator{profile: profile, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// VoteDecision describes how an incoming /propose should be answered.
type VoteDecision struct {
	Skip  bool
	Vote  bool
	Delay time.Duration
}

// DecideVote applies skip/flip/delay probabilities to an honest vote=true
// response, as described for /propose's attack-mode behaviors.
func (s *Simulator) DecideVote(honestVote bool) VoteDecision {
	if s.chance(s.profile.SkipVoteProb) {
		return VoteDecision{Skip: true}
	}
	vote := honestVote
	if s.chance(s.profile.VoteFlipProb) {
		vote = !vote
	}
	var delay time.Duration
	if s.chance(s.profile.DelayVoteProb) {
		delay = s.profile.DelaySeconds
	}
	return VoteDecision{Vote: vote, Delay: delay}
}

// ShouldSpamPropose reports whether the detector should fabricate an
// additional spurious proposal this tick.
func (s *Simulator) ShouldSpamPropose() bool {
	return s.chance(s.profile.SpamProposeProb)
}

// ShouldForceFalseDetection reports whether a non-suspicious process should
// be marked suspicious anyway, per the detector's attack-mode behavior.
func (s *Simulator) ShouldForceFalseDetection() bool {
	return s.chance(s.profile.FalseProposeProb)
}

// ForgeAlertResult replaces an incoming /alert result with a forged one
// when the attack roll succeeds. result is returned unchanged otherwise.
func (s *Simulator) ForgeAlertResult(result string) string {
	if !s.chance(s.profile.FalseAlertProb) {
		return result
	}
	if result == "terminated" {
		return "rejected"
	}
	return "terminated"
}

func (s *Simulator) chance(p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	return s.rng.Float64() < p
}
