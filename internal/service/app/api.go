package app

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"cipherchat/internal/model"

	"github.com/gorilla/websocket"
)

var (
	host string = "localhost:9090"
)

func (c *App) fetchHistory() ([]*model.MessageReceivedPayload, error) {
	params := url.Values{
		"identity": []string{c.identity},
		"limit":    []string{"50"},
	}

	u := url.URL{
		Scheme:   "http",
		Host:     host,
		Path:     fmt.Sprintf("/history/%s", c.peer),
		RawQuery: params.Encode(),
	}

	resp, err := http.Get(u.String())
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	var history []*model.MessageReceivedPayload
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return nil, err
	}
	return history, nil
}

func (c *App) initLiveChannel(identity string) (*websocket.Conn, error) {
	params := url.Values{
		"identity": []string{identity},
	}

	u := url.URL{
		Scheme:   "ws",
		Host:     host,
		Path:     "/init",
		RawQuery: params.Encode(),
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, err
	}

	return conn, nil
}
