// Package app is the interactive terminal client: one chat window against a
// chosen peer, live events rendered as they arrive, slash commands for the
// non-text operations.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"cipherchat/internal/model"
	"cipherchat/internal/utils/log"

	"github.com/gdamore/tcell/v2"
	"github.com/gorilla/websocket"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

type (
	App struct {
		app     *tview.Application
		chatbox *tview.TextView
		input   *tview.InputField

		identity string
		peer     string

		conn *websocket.Conn
	}
)

func NewApp() *App {
	return &App{
		app: tview.NewApplication(),
	}
}

func (c *App) Run(ctx context.Context, identity string) {
	c.identity = identity

	var peer string
	fmt.Print("Enter peer's name: ")
	if _, err := fmt.Scan(&peer); err != nil {
		fmt.Println("error:", err)
		return
	}
	c.peer = peer

	conn, err := c.initLiveChannel(identity)
	if err != nil {
		log.Fatal("connect to server failed", zap.Error(err))
	}
	c.conn = conn

	go c.listenOnLiveChannel()
	c.renderUI()
}

func (c *App) Stop() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// blocking function
func (c *App) renderUI() {
	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true).SetTitle(fmt.Sprintf(" Chat with %s ", c.peer))

	c.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" New Message ")

	c.input.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter {
			text := c.input.GetText()
			if text == "" {
				return
			}
			c.input.SetText("")

			go func(line string) {
				if err := c.handleInput(line); err != nil {
					c.printf("[red]error:[-] %v", err)
				}
			}(text)
		}
	})

	if history, err := c.fetchHistory(); err == nil {
		for _, msg := range history {
			who := msg.From
			if who == c.identity {
				who = "You"
			}
			c.printf("[yellow]%s:[-] %s", who, msg.Content)
		}
	}

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.input, 3, 0, true)

	if err := c.app.SetRoot(layout, true).SetFocus(c.input).Run(); err != nil {
		log.Fatal("cannot init app", zap.Error(err))
	}
}

// handleInput turns a typed line into an event. Plain text is a
// send-message; slash commands cover the rest.
func (c *App) handleInput(line string) error {
	if !strings.HasPrefix(line, "/") {
		if err := c.send(model.EvSendMessage, model.SendMessagePayload{
			To:      c.peer,
			Kind:    model.KindText,
			Content: line,
		}); err != nil {
			return err
		}
		c.printf("[yellow]You:[-] %s", line)
		return nil
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/seen":
		return c.send(model.EvMarkSeenBulk, model.MarkSeenBulkPayload{Peer: c.peer})

	case "/destruct":
		if len(fields) < 3 {
			return fmt.Errorf("usage: /destruct <seconds> <text>")
		}
		seconds, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("bad seconds: %w", err)
		}
		text := strings.Join(fields[2:], " ")
		if err := c.send(model.EvSendMessage, model.SendMessagePayload{
			To:              c.peer,
			Kind:            model.KindText,
			Content:         text,
			SelfDestruct:    true,
			DestructSeconds: seconds,
		}); err != nil {
			return err
		}
		c.printf("[yellow]You (self-destruct %ds):[-] %s", seconds, text)
		return nil

	case "/call":
		kind := model.CallAudio
		if len(fields) > 1 && fields[1] == "video" {
			kind = model.CallVideo
		}
		return c.send(model.EvCallOffer, model.CallOfferPayload{
			To:    c.peer,
			Kind:  kind,
			Offer: "sdp-offer", // real SDP comes from the media stack
		})

	case "/answer":
		return c.send(model.EvCallAnswer, model.CallAnswerPayload{To: c.peer, Answer: "sdp-answer"})

	case "/reject":
		return c.send(model.EvCallReject, model.CallControlPayload{To: c.peer})

	case "/end":
		return c.send(model.EvCallEnd, model.CallControlPayload{To: c.peer})

	case "/cancel":
		return c.send(model.EvCallCancel, model.CallControlPayload{To: c.peer})

	case "/ghost":
		return c.send(model.EvGhostActivate, model.GhostActivatePayload{Target: c.peer})

	case "/join":
		if len(fields) < 2 {
			return fmt.Errorf("usage: /join <code>")
		}
		return c.send(model.EvGhostJoin, model.GhostJoinPayload{Code: fields[1]})

	default:
		return fmt.Errorf("unknown command %s", fields[0])
	}
}

func (c *App) send(t model.EventType, payload any) error {
	ev, err := model.NewEvent(t, payload)
	if err != nil {
		return err
	}
	return c.conn.WriteJSON(ev)
}

func (c *App) listenOnLiveChannel() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Debug("live channel closed", zap.Error(err))
			c.conn.Close()
			break
		}

		var ev model.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Error("unmarshal event failed", zap.Error(err))
			continue
		}
		c.renderEvent(&ev)
	}
}

func (c *App) renderEvent(ev *model.Event) {
	switch ev.Type {
	case model.EvMessageReceived:
		var p model.MessageReceivedPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			c.printf("[yellow]%s:[-] %s", p.From, p.Content)
		}
	case model.EvMessageSentAck:
		var p model.MessageAckPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			c.printf("[gray]✓ sent (block %d)[-]", p.BlockIndex)
		}
	case model.EvMessageDelivered:
		c.printf("[gray]✓✓ delivered[-]")
	case model.EvMessagesSeenBulk:
		var p model.SeenBulkPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			c.printf("[gray]%s saw %d message(s)[-]", p.Peer, p.Count)
		}
	case model.EvMessageDeleted:
		var p model.MessageDeletedPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			c.printf("[gray]message %s deleted (%s)[-]", p.MessageID, p.Reason)
		}
	case model.EvMissedCallUpdate:
		var p model.MissedCallUpdatePayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			c.printf("[red]missed %s call from %s[-]", p.Kind, p.Caller)
		}
	case model.EvError:
		var p model.ErrorPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			c.printf("[red]%s: %s[-]", p.Code, p.Message)
		}
	case model.EvGhostActivated:
		var p model.GhostActivatedPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			c.printf("[purple]ghost session %s, join code %s[-]", p.SessionID, p.Code)
		}
	case model.EvGhostMessage:
		var p model.GhostMessagePayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			c.printf("[purple]%s (ghost):[-] %s", p.From, p.Content)
		}
	default:
		c.printf("[blue]%s[-] %s", ev.Type, string(ev.Payload))
	}
}

func (c *App) printf(format string, args ...any) {
	c.app.QueueUpdateDraw(func() {
		fmt.Fprintf(c.chatbox, format+"\n", args...)
	})
}
