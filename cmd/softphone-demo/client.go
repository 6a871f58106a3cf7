package main

import (
	"context"
	"fmt"
	"time"

	"github.com/arzzra/corevoip/pkg/dialog"
	"github.com/arzzra/corevoip/pkg/message"
	"github.com/arzzra/corevoip/pkg/session"
	"github.com/arzzra/corevoip/pkg/transaction"
	"github.com/arzzra/corevoip/pkg/transport"
	"github.com/rs/zerolog"
)

// runClient places one outgoing call to target, logs its lifecycle events,
// and hangs up after holdDuration — the client half of
// arzzra-soft_phone/cmd/test_sip's server/client demo pair.
func runClient(ctx context.Context, dm *dialog.Manager, txManager *transaction.Manager, sender transport.Transport, cfg session.Config, user, domain, target string, log zerolog.Logger) {
	const holdDuration = 10 * time.Second

	from, err := message.ParseAddress(fmt.Sprintf("%s <sip:%s@%s>", user, user, domain))
	if err != nil {
		log.Fatal().Err(err).Msg("parse From address")
	}
	to, err := message.ParseAddress(fmt.Sprintf("<%s>", target))
	if err != nil {
		log.Fatal().Err(err).Msg("parse target address")
	}
	contact, err := message.ParseAddress(fmt.Sprintf("<sip:%s@%s>", user, sender.LocalAddr().String()))
	if err != nil {
		log.Fatal().Err(err).Msg("build Contact address")
	}

	targetAddr := hostPortFromURI(to.URI)
	if targetAddr == "" {
		log.Fatal().Str("target", target).Msg("target URI has no host")
	}

	log.Info().Str("target", target).Msg("placing call")
	sess, err := session.Dial(ctx, cfg, dm, txManager, sender, targetAddr, from, to, contact, log)
	if err != nil {
		log.Fatal().Err(err).Msg("dial")
	}

	go func() {
		for ev := range sess.Events() {
			log.Info().Str("event", ev.Type.String()).Msg("session event")
			if ev.Type == session.EventAnswered {
				go func() {
					time.Sleep(holdDuration)
					log.Info().Msg("hold duration elapsed, hanging up")
					if err := sess.Bye(ctx); err != nil {
						log.Warn().Err(err).Msg("hangup")
					}
				}()
			}
		}
	}()
}

func hostPortFromURI(u *message.URI) string {
	if u == nil || u.Host == "" {
		return ""
	}
	port := u.Port
	if port == 0 {
		port = 5060
	}
	return fmt.Sprintf("%s:%d", u.Host, port)
}
