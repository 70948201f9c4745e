package api

import (
	"bufio"
	"errors"
	"fmt"
	"time"

	"git.solsynth.dev/hypernet/calling/pkg/internal/calling"
	"git.solsynth.dev/hypernet/calling/pkg/internal/http/exts"
	"git.solsynth.dev/hypernet/calling/pkg/internal/services"
	"git.solsynth.dev/hypernet/calling/pkg/internal/signal"
	"github.com/gofiber/fiber/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
)

const eventKeepAlive = 15 * time.Second

func callError(err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, calling.ErrUnauthenticated):
		status = fiber.StatusUnauthorized
	case errors.Is(err, calling.ErrPeerUnreachable):
		status = fiber.StatusForbidden
	case errors.Is(err, signal.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, "there is no ongoing call with this user")
	case errors.Is(err, calling.ErrCallEnded):
		status = fiber.StatusGone
	case errors.Is(err, calling.ErrMediaAccessDenied):
		status = fiber.StatusFailedDependency
	case errors.Is(err, calling.ErrNegotiationFailed):
		status = fiber.StatusBadGateway
	case errors.Is(err, calling.ErrStoreUnavailable):
		status = fiber.StatusServiceUnavailable
	}
	return fiber.NewError(status, calling.Message(err))
}

func listCallHistory(c *fiber.Ctx) error {
	user, err := exts.EnsureAuthenticated(c)
	if err != nil {
		return err
	}
	take := c.QueryInt("take", 0)
	offset := c.QueryInt("offset", 0)

	items, err := services.ListCallHistory(c.UserContext(), user, c.Params("peer"), take, offset)
	if err != nil {
		return callError(err)
	}
	return c.JSON(items)
}

func startCall(c *fiber.Ctx) error {
	user, err := exts.EnsureAuthenticated(c)
	if err != nil {
		return err
	}

	session, err := services.StartCall(c.UserContext(), user, c.Params("peer"))
	if err != nil {
		return callError(err)
	}
	return c.JSON(session.Snapshot())
}

func getOngoingCall(c *fiber.Ctx) error {
	user, err := exts.EnsureAuthenticated(c)
	if err != nil {
		return err
	}

	session, err := services.GetOngoingCall(user, c.Params("peer"))
	if err != nil {
		return callError(err)
	}
	return c.JSON(session.Snapshot())
}

func muteCall(c *fiber.Ctx) error {
	user, err := exts.EnsureAuthenticated(c)
	if err != nil {
		return err
	}

	var data struct {
		Muted *bool `json:"muted" validate:"required"`
	}
	if err := exts.BindAndValidate(c, &data); err != nil {
		return err
	}

	update, err := services.SetCallMuted(user, c.Params("peer"), *data.Muted)
	if err != nil {
		return callError(err)
	}
	return c.JSON(update)
}

func endCall(c *fiber.Ctx) error {
	user, err := exts.EnsureAuthenticated(c)
	if err != nil {
		return err
	}

	update, err := services.EndCall(c.UserContext(), user, c.Params("peer"))
	if err != nil {
		return callError(err)
	}
	return c.JSON(update)
}

func declineCall(c *fiber.Ctx) error {
	user, err := exts.EnsureAuthenticated(c)
	if err != nil {
		return err
	}

	if err := services.DeclineCall(c.UserContext(), user, c.Params("peer")); err != nil {
		return callError(err)
	}
	return c.SendStatus(fiber.StatusOK)
}

// streamCallEvents pushes every update of the live call as a server-sent
// event until the call is over or the client goes away.
func streamCallEvents(c *fiber.Ctx) error {
	user, err := exts.EnsureAuthenticated(c)
	if err != nil {
		return err
	}
	session, err := services.GetOngoingCall(user, c.Params("peer"))
	if err != nil {
		return callError(err)
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	updates := make(chan calling.Update, 16)
	cancel := session.Subscribe(func(update calling.Update) {
		select {
		case updates <- update:
		default:
		}
	})

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()

		send := func(update calling.Update) bool {
			raw, err := jsoniter.Marshal(update)
			if err != nil {
				return false
			}
			fmt.Fprintf(w, "event: update\ndata: %s\n\n", raw)
			return w.Flush() == nil && !update.State.Terminal()
		}

		ticker := time.NewTicker(eventKeepAlive)
		defer ticker.Stop()
		for {
			select {
			case update := <-updates:
				if !send(update) {
					return
				}
			case <-session.Done():
				// The final update may still be on its way, the snapshot already has it.
				for {
					select {
					case update := <-updates:
						if !send(update) {
							return
						}
					default:
						send(session.Snapshot())
						return
					}
				}
			case <-ticker.C:
				fmt.Fprint(w, ": ping\n\n")
				if err := w.Flush(); err != nil {
					log.Debug().Err(err).Str("user", user).Msg("Call event stream closed by client.")
					return
				}
			}
		}
	})
	return nil
}
