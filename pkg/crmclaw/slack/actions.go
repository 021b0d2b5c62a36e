package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
)

// actionPayload is the interactive callback envelope. The platform
// posts it form-encoded under the "payload" field.
type actionPayload struct {
	Type string `json:"type"`
	User struct {
		ID string `json:"id"`
	} `json:"user"`
	Actions []struct {
		ActionID string `json:"action_id"`
		Value    string `json:"value"`
	} `json:"actions"`
}

// HandleActions processes interactive callbacks, currently just the org
// chooser buttons. Like events, callbacks are acknowledged first and
// handled detached.
func (g *Gateway) HandleActions(w http.ResponseWriter, r *http.Request) {
	body, ok := g.verifiedBody(w, r)
	if !ok {
		return
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	var payload actionPayload
	if err := json.Unmarshal([]byte(form.Get("payload")), &payload); err != nil {
		g.logger.Warn("unparseable action payload", "error", err)
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)

	go g.detached("action", func(ctx context.Context) {
		g.processAction(ctx, &payload)
	})
}

func (g *Gateway) processAction(ctx context.Context, payload *actionPayload) {
	if payload.Type != "block_actions" {
		return
	}
	for _, action := range payload.Actions {
		if !strings.HasPrefix(action.ActionID, "org_select") {
			continue
		}
		var cont Continuation
		if err := json.Unmarshal([]byte(action.Value), &cont); err != nil {
			g.logger.Warn("unparseable chooser continuation", "error", err)
			continue
		}

		org, err := g.store.GetOrg(ctx, cont.OrgID)
		if err != nil {
			g.logger.Error("chosen org not found", "org_id", cont.OrgID, "error", err)
			g.post(ctx, cont.Channel, cont.ThreadTS,
				"That org isn't connected anymore. Run `crmclaw setup` to reconnect it.")
			continue
		}

		userID := cont.UserID
		if userID == "" {
			userID = payload.User.ID
		}
		g.post(ctx, cont.Channel, cont.ThreadTS, "On it, using *"+org.Name+"*.")
		g.startJob(ctx, org, cont.Message, cont.Channel, cont.ThreadTS, userID)
	}
}
