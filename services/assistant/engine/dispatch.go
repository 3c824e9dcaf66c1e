// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
	"github.com/lucerne-ai/concierge/services/llm"
)

const chatPreamble = `You are a concierge assistant. Answer the user's latest message
helpfully and concisely, using the conversation so far.`

// chatReply answers from the model with the rolling summary and the
// recent buffer tail as context.
func (e *Engine) chatReply(ctx context.Context, req datatypes.TurnRequest) (datatypes.TurnResponse, error) {
	ctx, span := tracer.Start(ctx, "Engine.chatReply")
	defer span.End()

	var b strings.Builder
	b.WriteString(chatPreamble)
	b.WriteString("\n")

	if e.deps.Summaries != nil {
		summary, err := e.deps.Summaries.Current(ctx, req.SessionID)
		if err != nil {
			e.log.Warn("summary lookup failed, prompting without it",
				"session_id", req.SessionID, "error", err)
		} else if summary != nil {
			fmt.Fprintf(&b, "\nConversation summary:\n%s\n", summary.Text)
		}
	}

	tail, err := e.deps.Buffer.Tail(ctx, req.SessionID, e.cfg.ChatTail)
	if err != nil {
		e.log.Warn("buffer tail failed, prompting with the message alone",
			"session_id", req.SessionID, "error", err)
		tail = []datatypes.Message{datatypes.NewMessage(datatypes.RoleUser, req.UserMessage)}
	}
	fmt.Fprintf(&b, "\nRecent messages:\n%s", renderMessages(tail))
	b.WriteString("\nReply to the last user message.")

	reply, err := e.deps.LLM.Complete(ctx, b.String(), llm.GenerationParams{})
	if err != nil {
		return datatypes.TurnResponse{}, datatypes.NewFault(datatypes.FaultIO, "engine.chat", err)
	}
	return datatypes.TurnResponse{
		AssistantMessage: strings.TrimSpace(reply),
		Kind:             string(datatypes.IntentChat),
	}, nil
}

// ragReply grounds the answer on the user's semantic memories. A
// missing store or a failed search degrades to plain chat rather than
// failing the turn.
func (e *Engine) ragReply(ctx context.Context, req datatypes.TurnRequest) (datatypes.TurnResponse, error) {
	ctx, span := tracer.Start(ctx, "Engine.ragReply")
	defer span.End()

	if e.deps.Semantic == nil {
		return e.chatReply(ctx, req)
	}
	memories, err := e.deps.Semantic.Search(ctx, req.UserID, req.UserMessage, e.cfg.RAGTopK)
	if err != nil {
		e.log.Warn("semantic search failed, answering as chat",
			"session_id", req.SessionID, "error", err)
		return e.chatReply(ctx, req)
	}
	if len(memories) == 0 {
		return e.chatReply(ctx, req)
	}

	var b strings.Builder
	b.WriteString(chatPreamble)
	b.WriteString("\n\nWhat you remember about this user:\n")
	for _, m := range memories {
		fmt.Fprintf(&b, "- %s\n", m.Content)
	}
	fmt.Fprintf(&b, "\nUser message:\n%s\n", req.UserMessage)
	b.WriteString("\nAnswer grounded on the memories above; say so when they do not cover the question.")

	reply, err := e.deps.LLM.Complete(ctx, b.String(), llm.GenerationParams{})
	if err != nil {
		return datatypes.TurnResponse{}, datatypes.NewFault(datatypes.FaultIO, "engine.rag", err)
	}
	return datatypes.TurnResponse{
		AssistantMessage: strings.TrimSpace(reply),
		Kind:             string(datatypes.IntentRAG),
	}, nil
}

// webReply grounds the answer on fresh web snippets. When the provider
// is down the user still gets an answer, flagged as possibly stale.
func (e *Engine) webReply(ctx context.Context, req datatypes.TurnRequest) (datatypes.TurnResponse, error) {
	ctx, span := tracer.Start(ctx, "Engine.webReply")
	defer span.End()

	if e.deps.Web == nil {
		return e.staleChatReply(ctx, req)
	}
	snippets, err := e.deps.Web.Search(ctx, req.UserMessage, e.cfg.WebResults)
	if err != nil || len(snippets) == 0 {
		if err != nil {
			e.log.Warn("web search failed, answering as chat",
				"session_id", req.SessionID, "error", err)
		}
		return e.staleChatReply(ctx, req)
	}

	var b strings.Builder
	b.WriteString(chatPreamble)
	b.WriteString("\n\nFresh search results:\n")
	for _, s := range snippets {
		fmt.Fprintf(&b, "- %s (%s): %s\n", s.Title, s.URL, s.Content)
	}
	fmt.Fprintf(&b, "\nUser message:\n%s\n", req.UserMessage)
	b.WriteString("\nAnswer from the results above and cite the sources you used.")

	reply, err := e.deps.LLM.Complete(ctx, b.String(), llm.GenerationParams{})
	if err != nil {
		return datatypes.TurnResponse{}, datatypes.NewFault(datatypes.FaultIO, "engine.websearch", err)
	}
	return datatypes.TurnResponse{
		AssistantMessage: strings.TrimSpace(reply),
		Kind:             string(datatypes.IntentWebSearch),
	}, nil
}

func (e *Engine) staleChatReply(ctx context.Context, req datatypes.TurnRequest) (datatypes.TurnResponse, error) {
	resp, err := e.chatReply(ctx, req)
	if err != nil {
		return resp, err
	}
	resp.Kind = string(datatypes.IntentWebSearch)
	resp.AssistantMessage = "I could not reach live sources, so this may be out of date. " +
		resp.AssistantMessage
	return resp, nil
}

const toolArgsSchemaWrapper = `Extract the arguments for the %q tool from the user message.
Return only fields the tool's schema defines; omit anything the message does not state.

User message:
%s`

// toolReply extracts arguments for the selected tool and invokes it.
func (e *Engine) toolReply(ctx context.Context, req datatypes.TurnRequest, routed datatypes.Intent) (datatypes.TurnResponse, error) {
	ctx, span := tracer.Start(ctx, "Engine.toolReply")
	defer span.End()

	if e.deps.Tools == nil {
		return e.chatReply(ctx, req)
	}
	var schema map[string]any
	for _, t := range e.deps.Tools.Tools() {
		if t.ID == routed.SelectedTool {
			schema = t.Parameters
			break
		}
	}
	if schema == nil {
		return datatypes.TurnResponse{}, datatypes.Validationf("engine.tool",
			"unknown tool %q", routed.SelectedTool)
	}

	args := map[string]any{}
	prompt := fmt.Sprintf(toolArgsSchemaWrapper, routed.SelectedTool, req.UserMessage)
	if err := e.deps.LLM.Classify(ctx, prompt, schema, &args); err != nil {
		e.log.Warn("tool argument extraction failed, invoking with no arguments",
			"tool_id", routed.SelectedTool, "error", err)
		args = map[string]any{}
	}

	result, err := e.deps.Tools.Invoke(ctx, routed.SelectedTool, args)
	if err != nil {
		return datatypes.TurnResponse{}, datatypes.NewFault(datatypes.FaultIO, "engine.tool", err)
	}
	return datatypes.TurnResponse{
		AssistantMessage: result,
		Kind:             string(datatypes.IntentTool),
	}, nil
}
