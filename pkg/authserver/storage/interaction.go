// Copyright 2025 Stacklok, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"encoding/json"
	"time"

	proxyerrors "github.com/stacklok/mcp-auth-proxy/pkg/errors"
	"github.com/stacklok/mcp-auth-proxy/pkg/kvstore"
)

// InteractionTTL bounds how long an in-flight authorization attempt may
// remain unresolved before its entry expires.
const InteractionTTL = 10 * time.Minute

// Prompt names the interaction's current step in the confirm-login ->
// login state machine.
type Prompt string

// Prompt values.
const (
	PromptConfirmLogin Prompt = "confirm-login"
	PromptLogin        Prompt = "login"
)

// Outcome is recorded on an Interaction once the identity callback (or the
// abort route) has finished it. The authorization endpoint's resume path
// reads this back to mint (or refuse) the grant.
type Outcome struct {
	Done             bool   `json:"done"`
	ErrorCode        string `json:"error_code,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
	AccountID        string `json:"account_id,omitempty"`
	GrantID          string `json:"grant_id,omitempty"`
}

// Interaction is the ephemeral record of a single authorization attempt.
// Its id doubles as the upstream OAuth "state" parameter.
type Interaction struct {
	UID      string `json:"uid"`
	ClientID string `json:"client_id"`
	Prompt   Prompt `json:"prompt"`
	// RawQuery is the original /auth request's querystring, preserved so the
	// browser can be sent back to resume authorization once the interaction
	// finishes.
	RawQuery string   `json:"raw_query"`
	Outcome  *Outcome `json:"outcome,omitempty"`
}

// CreateInteraction persists a freshly started interaction.
func (s *Store) CreateInteraction(ctx context.Context, ia *Interaction) error {
	return s.putInteraction(ctx, ia)
}

// FindInteraction looks up an interaction by its uid.
func (s *Store) FindInteraction(ctx context.Context, uid string) (*Interaction, bool, error) {
	payload, ok, err := s.kv.Find(ctx, kvstore.KindInteraction, uid)
	if err != nil || !ok {
		return nil, ok, err
	}
	raw, ok := stringField(payload, "json")
	if !ok {
		return nil, false, proxyerrors.NewError(proxyerrors.ErrInternal, "interaction payload missing json field", nil)
	}
	ia := &Interaction{}
	if err := json.Unmarshal([]byte(raw), ia); err != nil {
		return nil, false, proxyerrors.NewError(proxyerrors.ErrInternal, "decode interaction", err)
	}
	return ia, true, nil
}

// AdvanceInteractionPrompt moves uid's interaction to a new prompt (e.g.
// confirm-login -> login) without otherwise touching it.
func (s *Store) AdvanceInteractionPrompt(ctx context.Context, uid string, prompt Prompt) error {
	ia, ok, err := s.FindInteraction(ctx, uid)
	if err != nil {
		return err
	}
	if !ok {
		return proxyerrors.NewError(proxyerrors.ErrInteractionNotFound, "interaction not found: "+uid, nil)
	}
	ia.Prompt = prompt
	return s.putInteraction(ctx, ia)
}

// FinishInteraction records outcome on uid's interaction so the /auth resume
// path can read it back.
func (s *Store) FinishInteraction(ctx context.Context, uid string, outcome Outcome) error {
	ia, ok, err := s.FindInteraction(ctx, uid)
	if err != nil {
		return err
	}
	if !ok {
		return proxyerrors.NewError(proxyerrors.ErrInteractionNotFound, "interaction not found: "+uid, nil)
	}
	outcome.Done = true
	ia.Outcome = &outcome
	return s.putInteraction(ctx, ia)
}

// DeleteInteraction removes uid's interaction outright. Used by the
// confirm-login route's finish-with-no-result transition: the interaction
// ends without an Outcome and the browser restarts the authorization
// request from scratch.
func (s *Store) DeleteInteraction(ctx context.Context, uid string) error {
	return s.kv.Destroy(ctx, kvstore.KindInteraction, uid)
}

// FindInteractionByState resolves an Interaction whose uid equals state —
// the upstream IdP echoes back state=interaction_id on its callback, and
// an Interaction's uid is always set to exactly that value.
func (s *Store) FindInteractionByState(ctx context.Context, state string) (*Interaction, bool, error) {
	return s.FindInteraction(ctx, state)
}

func (s *Store) putInteraction(ctx context.Context, ia *Interaction) error {
	raw, err := json.Marshal(ia)
	if err != nil {
		return proxyerrors.NewError(proxyerrors.ErrInternal, "encode interaction", err)
	}
	payload := kvstore.Payload{
		"json":      string(raw),
		"uid":       ia.UID,
		"client_id": ia.ClientID,
	}
	return s.kv.Upsert(ctx, kvstore.KindInteraction, ia.UID, payload, InteractionTTL)
}
