// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/bureau-foundation/courier/agent"
	"github.com/bureau-foundation/courier/lib/protocol"
	"github.com/bureau-foundation/courier/lib/version"
)

// Ping asks a courier agent to prove it is alive.
type Ping struct{}

// Pong answers Ping.
type Pong struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// includePing gives every hosted agent the liveness protocol and a
// /status REST route, so a deployment can be probed end to end
// without application handlers.
func includePing(hosted *agent.Agent) error {
	ping := protocol.New("courier-ping", "1.0.0")
	err := protocol.OnMessage(ping, func(ctx protocol.Context, sender string, _ Ping) error {
		ctx.Send(sender, Pong{Name: ctx.Name(), Version: version.Version})
		return nil
	}, protocol.Replies(Pong{}), protocol.AllowUnverified())
	if err != nil {
		return err
	}
	if err := hosted.Include(ping, true); err != nil {
		return err
	}
	return agent.HandleGet(hosted, "/status", func(protocol.Context) (agent.Info, error) {
		return hosted.Info(), nil
	})
}
