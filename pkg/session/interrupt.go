package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/harunnryd/avatarlink/pkg/errorsx"
	"github.com/harunnryd/avatarlink/pkg/logging"
)

// Interrupter cancels the avatar's in-progress utterance.
type Interrupter struct {
	lc     *Lifecycle
	logger *slog.Logger
}

func NewInterrupter(lc *Lifecycle, logger *slog.Logger) *Interrupter {
	return &Interrupter{lc: lc, logger: logging.NewComponentLogger(logger, "interrupt")}
}

// Interrupt sends one immediate interrupt request. Without a live session
// it does nothing. The transcript is left untouched.
func (i *Interrupter) Interrupt(ctx context.Context) error {
	client, ok := i.lc.activeClient()
	if !ok || client == nil {
		i.logger.Debug("interrupt_skipped_no_session")
		return nil
	}
	if err := client.Interrupt(ctx); err != nil {
		i.logger.Warn("interrupt_failed", "session_id", i.lc.SessionID(), "error", err)
		return errorsx.Wrap(fmt.Errorf("interrupt: %w", err), errorsx.ReasonInterrupt)
	}
	i.logger.Debug("interrupt_sent", "session_id", i.lc.SessionID())
	return nil
}
