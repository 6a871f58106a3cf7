package session

import (
	"fmt"
	"time"

	"github.com/arzzra/corevoip/pkg/dialog"
	"github.com/arzzra/corevoip/pkg/rtcp"
)

// runHousekeeping starts every background goroutine a live call needs:
// media-event consumption, the max-duration timer, the inactivity
// monitor, and periodic RTCP/quality reporting. Grounded on
// ua_session.go's startCallDurationTimer/monitorMediaActivity/
// collectStatistics, generalized from its single collectStatistics
// no-op into this module's RTCP sender-report and MediaQuality emission.
func (s *Session) runHousekeeping() {
	go s.consumeMediaEvents()
	go s.runCallDurationTimer()
	go s.runMediaActivityMonitor()
	go s.runRTCPLoop()
}

func (s *Session) consumeMediaEvents() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case _, ok := <-s.media.Frames():
			if !ok {
				return
			}
			s.mu.Lock()
			s.lastActivity = time.Now()
			s.mu.Unlock()
		case ev, ok := <-s.media.DTMF():
			if !ok {
				return
			}
			s.mu.Lock()
			s.lastActivity = time.Now()
			s.mu.Unlock()
			if !ev.End {
				continue
			}
			// Media-path DTMF always wins over SIP INFO (spec.md §4.9);
			// HandleSIPInfoDTMF checks lastActivity against this update.
			s.emit(Event{Type: EventDTMF, Data: DTMFDigit{
				Digit:    digitFromEvent(ev.Event),
				Duration: time.Duration(ev.Duration) * time.Millisecond,
				Source:   "rtp",
			}})
		case _, ok := <-s.media.RTCPEvents():
			if !ok {
				return
			}
			s.mu.Lock()
			s.lastActivity = time.Now()
			s.mu.Unlock()
		}
	}
}

// digitFromEvent maps an RFC 4733 event code to its keypad character.
func digitFromEvent(event uint8) byte {
	const digits = "0123456789*#ABCD"
	if int(event) < len(digits) {
		return digits[event]
	}
	return '?'
}

func (s *Session) runCallDurationTimer() {
	if s.cfg.MaxCallDuration <= 0 {
		return
	}
	select {
	case <-time.After(s.cfg.MaxCallDuration):
		s.mu.RLock()
		d := s.dialog
		s.mu.RUnlock()
		if d != nil && d.State() == dialog.StateConfirmed {
			s.log.Warn().Dur("max_duration", s.cfg.MaxCallDuration).Msg("call duration limit reached")
			if err := s.Bye(s.ctx); err != nil {
				s.recordError(err)
			}
		}
	case <-s.ctx.Done():
	}
}

func (s *Session) runMediaActivityMonitor() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.RLock()
			last := s.lastActivity
			d := s.dialog
			s.mu.RUnlock()
			if d == nil || d.State() != dialog.StateConfirmed {
				continue
			}
			if time.Since(last) > s.cfg.MediaInactivityTimeout {
				s.emit(Event{Type: EventWarning, Data: Warning{
					Kind: WarningMediaInactive,
					Msg:  "no media activity for " + time.Since(last).String(),
				}})
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// runRTCPLoop periodically sends a Sender Report built from this call's
// send/receive counters, and emits EventMediaQuality from the same
// snapshot (spec.md §4.6, §4.9). RTCP is sent unprotected even when SRTP
// is armed: dualSRTP only exposes RTP protect/unprotect (see secure.go),
// so SRTCP encryption is left for a future extension of that interface.
func (s *Session) runRTCPLoop() {
	ticker := time.NewTicker(s.cfg.RTCPInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sendRTCPReport()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) sendRTCPReport() {
	stats := s.media.Stats()
	streams := s.media.Streams()

	reports := make([]rtcp.ReceptionReport, 0, len(streams))
	var totalLost, totalExpected uint64
	for ssrc, st := range streams {
		received := st.Received()
		expected := uint64(st.ExtendedSeq()) + 1
		var lost uint32
		if expected > received {
			lost = uint32(expected - received)
		}
		totalLost += uint64(lost)
		totalExpected += expected
		reports = append(reports, rtcp.ReceptionReport{
			SSRC:           ssrc,
			CumulativeLost: lost,
			HighestSeqNum:  st.ExtendedSeq(),
		})
	}

	sr := &rtcp.SenderReport{
		SSRC:        s.cfg.LocalSSRC,
		NTPTime:     rtcp.NTPTimestamp(time.Now()),
		PacketCount: uint32(stats.PacketsSent),
		OctetCount:  uint32(stats.OctetsSent),
		Reports:     reports,
	}
	buf, err := sr.Marshal()
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to marshal sender report")
		return
	}
	compound, err := rtcp.CompoundPacket(buf)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to build rtcp compound packet")
		return
	}
	if err := s.media.SendRaw(compound); err != nil {
		s.log.Debug().Err(err).Msg("failed to send rtcp sender report")
	} else {
		s.cfg.Metrics.RTCPReportSent()
	}

	lossFraction := 0.0
	if totalExpected > 0 {
		lossFraction = float64(totalLost) / float64(totalExpected)
	}
	rFactor := 93.2 - lossFraction*2.5*100
	if rFactor < 0 {
		rFactor = 0
	}
	if rFactor > 100 {
		rFactor = 100
	}
	mos := rtcp.RFactorToMOS(rFactor)
	s.cfg.Metrics.MediaQualityObserved(mos)
	s.emit(Event{Type: EventMediaQuality, Data: MediaQuality{
		MOS:  mos,
		Loss: lossFraction,
	}})
}

func (s *Session) recordError(err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
	s.cfg.Metrics.ErrorOccurred("session", fmt.Sprintf("%T", err))
}
