// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/meridian-hie/meridian/engine/attachment"
	"github.com/meridian-hie/meridian/engine/connector"
	"github.com/meridian-hie/meridian/engine/datatype"
	"github.com/meridian-hie/meridian/engine/msgstore"
)

// Result is the outcome of ingesting one raw message.
type Result struct {
	MessageID int64
	Response  *connector.Response
}

type destResult struct {
	metadataID int
	status     msgstore.Status
	response   *connector.Response
}

// Dispatch implements connector.Dispatcher for the source transport.
func (channel *Channel) Dispatch(ctx context.Context, raw connector.RawMessage) (*connector.Response, error) {
	result, err := channel.Ingest(ctx, raw)
	if err != nil {
		return nil, err
	}
	return result.Response, nil
}

// Ingest runs one raw message through the source pipeline and returns the
// selected response. Pipeline-level failures (scripts, codecs, rejected
// sends) yield an ERROR response; only persistence failures surface as
// errors.
func (channel *Channel) Ingest(ctx context.Context, raw connector.RawMessage) (_ *Result, err error) {
	defer mon.Task()(&ctx)(&err)

	if !channel.State().Running() {
		return nil, Error.New("channel %s is not started", channel.config.ID)
	}
	if channel.config.Source.Batch {
		return channel.ingestBatch(ctx, raw)
	}
	return channel.ingestOne(ctx, raw.Data, raw.SourceMap, 0)
}

func (channel *Channel) ingestBatch(ctx context.Context, raw connector.RawMessage) (_ *Result, err error) {
	adaptor, err := channel.batch(raw.Data, raw.SourceMap)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() {
		if cleanupErr := adaptor.Cleanup(ctx); cleanupErr != nil {
			channel.log.Error("batch cleanup failed", zap.Error(cleanupErr))
		}
	}()

	var last *Result
	for {
		sub, err := adaptor.Next(ctx)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		if sub == nil {
			break
		}
		last, err = channel.ingestOne(ctx, sub, raw.SourceMap, adaptor.SequenceID())
		if err != nil {
			return nil, err
		}
	}
	if last == nil {
		return nil, Error.New("channel %s: batch contained no messages", channel.config.ID)
	}
	return last, nil
}

// ingestOne persists the intake of a single message: id allocation, the
// message and connector-message rows, attachment extraction, and the RAW
// content. With the source queue enabled it responds right here; otherwise
// the pipeline continues inline.
func (channel *Channel) ingestOne(ctx context.Context, data []byte, sourceMap map[string]any, sequenceID int64) (_ *Result, err error) {
	defer mon.Task()(&ctx)(&err)

	messageID, err := channel.sequence.NextID(ctx, channel.config.ID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	now := channel.nowFn().UTC()

	err = channel.store.DB().CreateMessage(ctx, msgstore.Message{
		ChannelID:  channel.config.ID,
		MessageID:  messageID,
		ServerID:   channel.serverID,
		ReceivedAt: now,
		SequenceID: sequenceID,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	err = channel.store.DB().UpsertConnectorMessage(ctx, msgstore.ConnectorMessage{
		ChannelID:     channel.config.ID,
		MessageID:     messageID,
		MetadataID:    msgstore.SourceMetadataID,
		ServerID:      channel.serverID,
		ConnectorName: "Source",
		Status:        msgstore.StatusReceived,
		ReceivedAt:    now,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	channel.incStats(msgstore.SourceMetadataID, msgstore.Stats{Received: 1})

	for _, dest := range channel.destinations {
		err = channel.store.DB().UpsertConnectorMessage(ctx, msgstore.ConnectorMessage{
			ChannelID:     channel.config.ID,
			MessageID:     messageID,
			MetadataID:    dest.config.MetadataID,
			ServerID:      channel.serverID,
			ConnectorName: dest.config.Name,
			Status:        msgstore.StatusReceived,
			ReceivedAt:    now,
		})
		if err != nil {
			return nil, Error.Wrap(err)
		}
		channel.incStats(dest.config.MetadataID, msgstore.Stats{Received: 1})
	}

	// Attachments come out before RAW goes in.
	content, err := channel.attachments.Extract(ctx, channel.config.ID, messageID, data)
	if err != nil {
		channel.log.Error("attachment extraction failed", zap.Int64("message_id", messageID), zap.Error(err))
		content = data
	}

	err = channel.store.StoreContent(ctx, msgstore.Content{
		ChannelID:  channel.config.ID,
		MessageID:  messageID,
		MetadataID: msgstore.SourceMetadataID,
		Type:       msgstore.ContentRaw,
		Data:       content,
		DataType:   channel.inCodec.Name(),
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	maps := NewMaps(sourceMap)
	if err := channel.putMapContent(ctx, messageID, msgstore.ContentSourceMap, maps.Source); err != nil {
		return nil, err
	}

	if channel.config.Source.QueueEnabled {
		channel.wakeSourceReader()
		response := channel.synthesize(ctx, content, nil, msgstore.StatusReceived)
		return &Result{MessageID: messageID, Response: response}, nil
	}
	return channel.continueSource(ctx, messageID, content, maps)
}

// resumeSource reloads a message persisted by intake and continues its
// pipeline; the source queue reader calls this for each backlog entry.
func (channel *Channel) resumeSource(ctx context.Context, messageID int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	raw, err := channel.store.Content(ctx, channel.config.ID, messageID, msgstore.SourceMetadataID, msgstore.ContentRaw)
	if err != nil {
		return Error.Wrap(err)
	}
	if raw == nil {
		return Error.New("channel %s: message %d has no raw content", channel.config.ID, messageID)
	}
	maps := channel.loadMaps(ctx, messageID)
	_, err = channel.continueSource(ctx, messageID, raw.Data, maps)
	return err
}

func (channel *Channel) continueSource(ctx context.Context, messageID int64, data []byte, maps *Maps) (_ *Result, err error) {
	defer mon.Task()(&ctx)(&err)

	processed := data
	if channel.scripts.Preprocessor != nil {
		out, err := channel.scripts.Preprocessor(ctx, data, maps)
		if err != nil {
			return channel.sourceError(ctx, messageID, data, processed, maps, "preprocessor", err)
		}
		if out != nil {
			processed = out
		}
	}
	if err := channel.putContent(ctx, messageID, msgstore.SourceMetadataID, msgstore.ContentProcessedRaw, processed, channel.inCodec.Name()); err != nil {
		return nil, err
	}

	if channel.scripts.SourceFilter != nil {
		accept, err := channel.scripts.SourceFilter(ctx, processed, maps)
		if err != nil {
			return channel.sourceError(ctx, messageID, data, processed, maps, "source filter", err)
		}
		if !accept {
			return channel.sourceFiltered(ctx, messageID, data, processed, maps)
		}
	}

	transformed := processed
	if channel.scripts.SourceTransformer != nil {
		out, err := channel.scripts.SourceTransformer(ctx, processed, maps)
		if err != nil {
			return channel.sourceError(ctx, messageID, data, processed, maps, "source transformer", err)
		}
		if out != nil {
			transformed = out
		}
	}
	if err := channel.putContent(ctx, messageID, msgstore.SourceMetadataID, msgstore.ContentTransformed, transformed, channel.inCodec.Name()); err != nil {
		return nil, err
	}
	// Encoding follows the outbound data type; without a serializing codec
	// the encoded stage carries the transformed bytes.
	if err := channel.putContent(ctx, messageID, msgstore.SourceMetadataID, msgstore.ContentEncoded, transformed, channel.outCodec.Name()); err != nil {
		return nil, err
	}

	if meta := channel.inCodec.MetaData(data); meta != (datatype.MetaData{}) {
		err := channel.store.DB().PutCustomMetadata(ctx, msgstore.CustomMetadata{
			ChannelID:  channel.config.ID,
			MessageID:  messageID,
			MetadataID: msgstore.SourceMetadataID,
			Source:     meta.Source,
			Type:       meta.Type,
			Version:    meta.Version,
		})
		if err != nil {
			return nil, Error.Wrap(err)
		}
	}

	kept := make([]int, 0, len(channel.destinations))
	for _, dest := range channel.destinations {
		kept = append(kept, dest.config.MetadataID)
	}
	if channel.scripts.DestinationSet != nil {
		kept = channel.scripts.DestinationSet(ctx, maps, kept)
	}

	if err := channel.putMapContent(ctx, messageID, msgstore.ContentChannelMap, maps.Channel); err != nil {
		return nil, err
	}
	if err := channel.putMapContent(ctx, messageID, msgstore.ContentConnectorMap, maps.Connector); err != nil {
		return nil, err
	}

	if err := channel.setConnectorStatus(ctx, messageID, msgstore.SourceMetadataID, msgstore.StatusTransformed); err != nil {
		return nil, err
	}
	channel.incStats(msgstore.SourceMetadataID, msgstore.Stats{Transformed: 1})

	results, err := channel.route(ctx, messageID, kept, maps)
	if err != nil {
		return nil, err
	}

	response := channel.selectResponse(ctx, data, processed, results)
	if response != nil && len(response.Data) > 0 {
		if err := channel.putContent(ctx, messageID, msgstore.SourceMetadataID, msgstore.ContentResponse, response.Data, channel.inCodec.Name()); err != nil {
			return nil, err
		}
	}
	if err := channel.putMapContent(ctx, messageID, msgstore.ContentResponseMap, maps.Response); err != nil {
		return nil, err
	}

	channel.maybeFinalize(ctx, messageID, maps)

	return &Result{MessageID: messageID, Response: response}, nil
}

// route hands the message to each kept destination. Selectors that report
// a destination response process destinations inline on the source thread;
// sourceStatus hands everything to the queue workers.
func (channel *Channel) route(ctx context.Context, messageID int64, kept []int, maps *Maps) (_ []destResult, err error) {
	defer mon.Task()(&ctx)(&err)

	inline := channel.config.ResponseSelector != SelectSourceStatus

	// The whole routed set turns QUEUED before any destination runs, so a
	// destination finishing early cannot finalize the message while a later
	// one has not started.
	var claimed []*destination
	for _, dest := range channel.destinations {
		if !slices.Contains(kept, dest.config.MetadataID) {
			continue
		}
		if inline || dest.config.Queue.SendFirst {
			dest.queue.Claim(messageID)
			claimed = append(claimed, dest)
		}
		if err := channel.setConnectorStatus(ctx, messageID, dest.config.MetadataID, msgstore.StatusQueued); err != nil {
			for _, dest := range claimed {
				dest.queue.Finish(messageID)
			}
			return nil, err
		}
	}

	var results []destResult
	for _, dest := range channel.destinations {
		if !slices.Contains(kept, dest.config.MetadataID) {
			continue
		}

		if inline || dest.config.Queue.SendFirst {
			results = append(results, channel.processDestination(ctx, dest, messageID, maps, true))
			continue
		}

		dest.queue.Add(msgstore.QueueItem{
			ChannelID:  channel.config.ID,
			MessageID:  messageID,
			MetadataID: dest.config.MetadataID,
		})
		results = append(results, destResult{
			metadataID: dest.config.MetadataID,
			status:     msgstore.StatusQueued,
		})
	}
	return results, nil
}

// processQueued runs the destination pipeline for one polled queue item.
func (channel *Channel) processQueued(ctx context.Context, dest *destination, item msgstore.QueueItem) {
	cm, err := channel.store.DB().GetConnectorMessage(ctx, item.ChannelID, item.MessageID, item.MetadataID)
	if err != nil {
		channel.log.Error("queued item load failed", zap.Int64("message_id", item.MessageID), zap.Error(err))
		dest.queue.Rotate(item.MessageID, time.Second)
		return
	}
	if cm == nil || cm.Status != msgstore.StatusQueued {
		// Finished by an inline run or another worker generation.
		dest.queue.Finish(item.MessageID)
		return
	}
	maps := channel.loadMaps(ctx, item.MessageID)
	channel.processDestination(ctx, dest, item.MessageID, maps, false)
}

// processDestination runs filter, transform, re-attachment, and delivery
// for one destination. Inline runs make a single attempt and leave retries
// to the queue workers.
func (channel *Channel) processDestination(ctx context.Context, dest *destination, messageID int64, maps *Maps, inline bool) destResult {
	metadataID := dest.config.MetadataID

	fail := func(stage string, cause error) destResult {
		channel.appendErrorContent(ctx, messageID, metadataID, fmt.Sprintf("%s: %v", stage, cause))
		if err := channel.setConnectorStatus(ctx, messageID, metadataID, msgstore.StatusError); err != nil {
			channel.log.Error("status update failed", zap.Int64("message_id", messageID), zap.Error(err))
		}
		channel.incStats(metadataID, msgstore.Stats{Error: 1})
		dest.queue.Finish(messageID)
		channel.maybeFinalize(ctx, messageID, maps)
		return destResult{metadataID: metadataID, status: msgstore.StatusError, response: &connector.Response{
			Status: msgstore.StatusError,
			Error:  cause.Error(),
		}}
	}

	if err := channel.setConnectorStatus(ctx, messageID, metadataID, msgstore.StatusPending); err != nil {
		channel.log.Error("status update failed", zap.Int64("message_id", messageID), zap.Error(err))
	}

	payload, err := channel.store.Content(ctx, channel.config.ID, messageID, msgstore.SourceMetadataID, msgstore.ContentEncoded)
	if err != nil || payload == nil {
		if err == nil {
			err = Error.New("missing encoded content")
		}
		return fail("payload load", err)
	}
	data := payload.Data

	if dest.scripts.Filter != nil {
		accept, err := dest.scripts.Filter(ctx, data, maps)
		if err != nil {
			return fail("destination filter", err)
		}
		if !accept {
			if err := channel.setConnectorStatus(ctx, messageID, metadataID, msgstore.StatusFiltered); err != nil {
				channel.log.Error("status update failed", zap.Int64("message_id", messageID), zap.Error(err))
			}
			channel.incStats(metadataID, msgstore.Stats{Filtered: 1})
			dest.queue.Finish(messageID)
			channel.maybeFinalize(ctx, messageID, maps)
			return destResult{metadataID: metadataID, status: msgstore.StatusFiltered, response: &connector.Response{
				Status: msgstore.StatusFiltered,
			}}
		}
	}

	transformed := data
	if dest.scripts.Transformer != nil {
		out, err := dest.scripts.Transformer(ctx, data, maps)
		if err != nil {
			return fail("destination transformer", err)
		}
		if out != nil {
			transformed = out
		}
	}
	dataType := dest.config.DataType
	if dataType == "" {
		dataType = channel.outCodec.Name()
	}
	if err := channel.putContent(ctx, messageID, metadataID, msgstore.ContentTransformed, transformed, dataType); err != nil {
		return fail("content write", err)
	}
	if err := channel.putContent(ctx, messageID, metadataID, msgstore.ContentEncoded, transformed, dataType); err != nil {
		return fail("content write", err)
	}

	outbound, err := attachment.Reattach(ctx, channel.store, channel.config.ID, messageID, transformed)
	if err != nil {
		return fail("attachment reattach", err)
	}

	return channel.attemptSend(ctx, dest, messageID, outbound, maps, inline)
}

// attemptSend delivers the payload, retrying per the destination's queue
// settings. Without rotation the worker retries in place, blocking the
// queue head; with rotation the item returns to the tail between attempts.
func (channel *Channel) attemptSend(ctx context.Context, dest *destination, messageID int64, outbound []byte, maps *Maps, inline bool) destResult {
	metadataID := dest.config.MetadataID
	maxAttempts := 1 + dest.config.Queue.RetryCount

	for {
		cm, err := channel.store.DB().GetConnectorMessage(ctx, channel.config.ID, messageID, metadataID)
		if err != nil || cm == nil {
			if err == nil {
				err = Error.New("connector message missing")
			}
			channel.log.Error("send aborted", zap.Int64("message_id", messageID), zap.Error(err))
			dest.queue.Rotate(messageID, dest.config.Queue.retryInterval())
			return destResult{metadataID: metadataID, status: msgstore.StatusQueued}
		}
		attempt := cm.SendAttempts + 1
		cm.SendAttempts = attempt
		cm.Status = msgstore.StatusPending
		if err := channel.store.DB().UpsertConnectorMessage(ctx, *cm); err != nil {
			channel.log.Error("attempt record failed", zap.Int64("message_id", messageID), zap.Error(err))
		}

		sendCtx, cancel := context.WithTimeout(ctx, dest.config.sendTimeout())
		response, sendErr := dest.conn.Send(sendCtx, connector.Payload{
			ChannelID:  channel.config.ID,
			MessageID:  messageID,
			MetadataID: metadataID,
			Data:       outbound,
			SourceMap:  maps.Source,
			Attempt:    attempt,
		})
		cancel()

		var respData []byte
		if response != nil {
			respData = response.Data
		}
		if sendErr == nil && response != nil && response.Error != "" {
			sendErr = errs.New("%s", response.Error)
		}
		if sendErr == nil {
			if verr := dest.validator.Validate(ctx, respData); verr != nil {
				sendErr = verr
			}
		}

		if sendErr == nil {
			return channel.sendSucceeded(ctx, dest, messageID, outbound, respData, maps)
		}

		channel.appendErrorContent(ctx, messageID, metadataID, fmt.Sprintf("attempt %d: %v", attempt, sendErr))

		if attempt >= maxAttempts {
			if err := channel.setConnectorStatus(ctx, messageID, metadataID, msgstore.StatusError); err != nil {
				channel.log.Error("status update failed", zap.Int64("message_id", messageID), zap.Error(err))
			}
			channel.incStats(metadataID, msgstore.Stats{Error: 1})
			dest.queue.Finish(messageID)
			channel.maybeFinalize(ctx, messageID, maps)
			channel.log.Warn("destination exhausted retries",
				zap.Int64("message_id", messageID),
				zap.Int("metadata_id", metadataID),
				zap.Int("attempts", attempt),
				zap.Error(sendErr))
			return destResult{metadataID: metadataID, status: msgstore.StatusError, response: &connector.Response{
				Status: msgstore.StatusError,
				Error:  sendErr.Error(),
			}}
		}

		// Retries remain: the row goes back to QUEUED.
		if err := channel.setConnectorStatus(ctx, messageID, metadataID, msgstore.StatusQueued); err != nil {
			channel.log.Error("status update failed", zap.Int64("message_id", messageID), zap.Error(err))
		}

		if inline {
			dest.queue.Rotate(messageID, dest.config.Queue.retryInterval())
			return destResult{metadataID: metadataID, status: msgstore.StatusQueued, response: &connector.Response{
				Status: msgstore.StatusQueued,
				Error:  sendErr.Error(),
			}}
		}
		if dest.config.Queue.Rotate {
			dest.queue.Rotate(messageID, dest.config.Queue.retryInterval())
			return destResult{metadataID: metadataID, status: msgstore.StatusQueued}
		}
		if !sleepCtx(ctx, dest.config.Queue.retryInterval()) {
			return destResult{metadataID: metadataID, status: msgstore.StatusQueued}
		}
	}
}

func (channel *Channel) sendSucceeded(ctx context.Context, dest *destination, messageID int64, outbound, respData []byte, maps *Maps) destResult {
	metadataID := dest.config.MetadataID

	if err := channel.putContent(ctx, messageID, metadataID, msgstore.ContentSent, outbound, dest.config.DataType); err != nil {
		channel.log.Error("content write failed", zap.Int64("message_id", messageID), zap.Error(err))
	}
	if len(respData) > 0 {
		if err := channel.putContent(ctx, messageID, metadataID, msgstore.ContentResponse, respData, dest.config.DataType); err != nil {
			channel.log.Error("content write failed", zap.Int64("message_id", messageID), zap.Error(err))
		}
		if dest.scripts.ResponseTransformer != nil {
			transformed, err := dest.scripts.ResponseTransformer(ctx, respData, maps)
			if err != nil {
				channel.appendErrorContent(ctx, messageID, metadataID, fmt.Sprintf("response transformer: %v", err))
			} else if transformed != nil {
				if err := channel.putContent(ctx, messageID, metadataID, msgstore.ContentResponseTransformed, transformed, dest.config.DataType); err != nil {
					channel.log.Error("content write failed", zap.Int64("message_id", messageID), zap.Error(err))
				}
				if err := channel.putContent(ctx, messageID, metadataID, msgstore.ContentProcessedResponse, transformed, dest.config.DataType); err != nil {
					channel.log.Error("content write failed", zap.Int64("message_id", messageID), zap.Error(err))
				}
			}
		}
	}

	now := channel.nowFn().UTC()
	cm, err := channel.store.DB().GetConnectorMessage(ctx, channel.config.ID, messageID, metadataID)
	if err == nil && cm != nil {
		cm.Status = msgstore.StatusSent
		cm.SentAt = &now
		if len(respData) > 0 {
			cm.RespondedAt = &now
		}
		if err := channel.store.DB().UpsertConnectorMessage(ctx, *cm); err != nil {
			channel.log.Error("status update failed", zap.Int64("message_id", messageID), zap.Error(err))
		}
	}
	channel.incStats(metadataID, msgstore.Stats{Sent: 1})
	dest.queue.Finish(messageID)
	channel.maybeFinalize(ctx, messageID, maps)

	return destResult{metadataID: metadataID, status: msgstore.StatusSent, response: &connector.Response{
		Status: msgstore.StatusSent,
		Data:   respData,
	}}
}

func (channel *Channel) sourceFiltered(ctx context.Context, messageID int64, raw, processed []byte, maps *Maps) (*Result, error) {
	if err := channel.setConnectorStatus(ctx, messageID, msgstore.SourceMetadataID, msgstore.StatusFiltered); err != nil {
		return nil, err
	}
	channel.incStats(msgstore.SourceMetadataID, msgstore.Stats{Filtered: 1})

	response := channel.synthesize(ctx, raw, processed, msgstore.StatusFiltered)
	if len(response.Data) > 0 {
		if err := channel.putContent(ctx, messageID, msgstore.SourceMetadataID, msgstore.ContentResponse, response.Data, channel.inCodec.Name()); err != nil {
			return nil, err
		}
	}
	channel.maybeFinalize(ctx, messageID, maps)
	return &Result{MessageID: messageID, Response: response}, nil
}

// sourceError records a pipeline failure at the source: a processing-error
// content row, ERROR status, and an error acknowledgment back to the
// transport.
func (channel *Channel) sourceError(ctx context.Context, messageID int64, raw, processed []byte, maps *Maps, stage string, cause error) (*Result, error) {
	channel.log.Warn("source pipeline failed",
		zap.Int64("message_id", messageID),
		zap.String("stage", stage),
		zap.Error(cause))

	channel.appendErrorContent(ctx, messageID, msgstore.SourceMetadataID, fmt.Sprintf("%s: %v", stage, cause))
	if err := channel.setConnectorStatus(ctx, messageID, msgstore.SourceMetadataID, msgstore.StatusError); err != nil {
		return nil, err
	}
	channel.incStats(msgstore.SourceMetadataID, msgstore.Stats{Error: 1})

	response := channel.synthesize(ctx, raw, processed, msgstore.StatusError)
	if len(response.Data) > 0 {
		if err := channel.putContent(ctx, messageID, msgstore.SourceMetadataID, msgstore.ContentResponse, response.Data, channel.inCodec.Name()); err != nil {
			return nil, err
		}
	}
	channel.maybeFinalize(ctx, messageID, maps)
	return &Result{MessageID: messageID, Response: response}, nil
}

// selectResponse picks what the source connector reports, per the channel's
// response selector. Candidates without response bytes are synthesized
// through the auto-responder so transports always have something to write.
func (channel *Channel) selectResponse(ctx context.Context, raw, processed []byte, results []destResult) *connector.Response {
	selector := channel.config.ResponseSelector
	if selector == "" {
		selector = SelectAuto
	}

	if selector == SelectSourceStatus || len(results) == 0 {
		return channel.synthesize(ctx, raw, processed, msgstore.StatusTransformed)
	}

	var picked destResult
	switch selector {
	case SelectFirst:
		picked = results[0]
	case SelectLast:
		picked = results[len(results)-1]
	case SelectErrorBiased:
		picked = results[len(results)-1]
		for _, result := range results {
			if result.status == msgstore.StatusError {
				picked = result
				break
			}
		}
	case SelectAuto:
		picked = results[len(results)-1]
		for _, result := range results {
			if result.status == msgstore.StatusError || (result.status == msgstore.StatusQueued && result.response != nil) {
				picked = result
				break
			}
		}
	default:
		if metadataID, ok := destinationSelector(selector); ok {
			picked = results[len(results)-1]
			for _, result := range results {
				if result.metadataID == metadataID {
					picked = result
					break
				}
			}
		} else {
			picked = results[len(results)-1]
		}
	}

	if picked.response != nil && len(picked.response.Data) > 0 {
		return picked.response
	}
	response := channel.synthesize(ctx, raw, processed, picked.status)
	if picked.response != nil && picked.response.Error != "" {
		response.Error = picked.response.Error
	}
	return response
}

// synthesize asks the auto-responder for a response carrying the given
// status, falling back to a bare status response.
func (channel *Channel) synthesize(ctx context.Context, raw, processed []byte, status msgstore.Status) *connector.Response {
	response, err := channel.responder.Respond(ctx, raw, processed, status)
	if err != nil {
		channel.log.Error("auto-responder failed", zap.Error(err))
		response = nil
	}
	if response == nil {
		response = &connector.Response{Status: status}
	}
	return response
}

// maybeFinalize marks the message processed and runs the postprocessor
// once every routed destination reached a terminal status.
func (channel *Channel) maybeFinalize(ctx context.Context, messageID int64, maps *Maps) {
	channel.completionMu.Lock()
	defer channel.completionMu.Unlock()

	msg, err := channel.store.DB().GetMessage(ctx, channel.config.ID, messageID)
	if err != nil || msg == nil || msg.Processed {
		return
	}
	cms, err := channel.store.DB().ConnectorMessages(ctx, channel.config.ID, messageID)
	if err != nil {
		channel.log.Error("finalize check failed", zap.Int64("message_id", messageID), zap.Error(err))
		return
	}

	final := msgstore.StatusTransformed
	for _, cm := range cms {
		switch cm.MetadataID {
		case msgstore.SourceMetadataID:
			final = cm.Status
		default:
			switch cm.Status {
			case msgstore.StatusQueued, msgstore.StatusPending:
				return
			case msgstore.StatusError:
				final = msgstore.StatusError
			case msgstore.StatusSent:
				if final != msgstore.StatusError {
					final = msgstore.StatusSent
				}
			}
		}
	}

	if channel.scripts.Postprocessor != nil {
		if maps == nil {
			maps = channel.loadMaps(ctx, messageID)
		}
		if err := channel.scripts.Postprocessor(ctx, maps, string(final)); err != nil {
			channel.appendPostprocessorError(ctx, messageID, err)
		}
	}

	if err := channel.store.DB().MarkProcessed(ctx, channel.config.ID, messageID); err != nil {
		channel.log.Error("mark processed failed", zap.Int64("message_id", messageID), zap.Error(err))
	}
}

func (channel *Channel) setConnectorStatus(ctx context.Context, messageID int64, metadataID int, status msgstore.Status) error {
	cm, err := channel.store.DB().GetConnectorMessage(ctx, channel.config.ID, messageID, metadataID)
	if err != nil {
		return Error.Wrap(err)
	}
	if cm == nil {
		return Error.New("channel %s: connector message %d/%d missing", channel.config.ID, messageID, metadataID)
	}
	cm.Status = status
	return Error.Wrap(channel.store.DB().UpsertConnectorMessage(ctx, *cm))
}

func (channel *Channel) putContent(ctx context.Context, messageID int64, metadataID int, contentType msgstore.ContentType, data []byte, dataType string) error {
	return channel.store.StoreContent(ctx, msgstore.Content{
		ChannelID:  channel.config.ID,
		MessageID:  messageID,
		MetadataID: metadataID,
		Type:       contentType,
		Data:       data,
		DataType:   dataType,
	})
}

func (channel *Channel) putMapContent(ctx context.Context, messageID int64, contentType msgstore.ContentType, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return Error.Wrap(err)
	}
	return channel.putContent(ctx, messageID, msgstore.SourceMetadataID, contentType, data, "JSON")
}

// loadMaps rebuilds the pipeline maps from their persisted blobs; a worker
// picking up a queued item after a restart starts from these.
func (channel *Channel) loadMaps(ctx context.Context, messageID int64) *Maps {
	maps := NewMaps(nil)
	load := func(contentType msgstore.ContentType, into *map[string]any) {
		content, err := channel.store.Content(ctx, channel.config.ID, messageID, msgstore.SourceMetadataID, contentType)
		if err != nil || content == nil || len(content.Data) == 0 {
			return
		}
		var values map[string]any
		if err := json.Unmarshal(content.Data, &values); err != nil {
			channel.log.Warn("corrupt map content",
				zap.Int64("message_id", messageID),
				zap.Stringer("content_type", contentType),
				zap.Error(err))
			return
		}
		*into = values
	}
	load(msgstore.ContentSourceMap, &maps.Source)
	load(msgstore.ContentChannelMap, &maps.Channel)
	load(msgstore.ContentResponseMap, &maps.Response)
	return maps
}

// appendErrorContent accumulates attempt failures in the processing-error
// slot, one line per failure.
func (channel *Channel) appendErrorContent(ctx context.Context, messageID int64, metadataID int, line string) {
	existing, err := channel.store.Content(ctx, channel.config.ID, messageID, metadataID, msgstore.ContentProcessingError)
	if err != nil {
		channel.log.Error("error content load failed", zap.Int64("message_id", messageID), zap.Error(err))
		return
	}
	var data []byte
	if existing != nil {
		data = existing.Data
	}
	data = append(data, []byte(line+"\n")...)
	if err := channel.putContent(ctx, messageID, metadataID, msgstore.ContentProcessingError, data, "TEXT"); err != nil {
		channel.log.Error("error content write failed", zap.Int64("message_id", messageID), zap.Error(err))
	}
}

func (channel *Channel) appendPostprocessorError(ctx context.Context, messageID int64, cause error) {
	existing, err := channel.store.Content(ctx, channel.config.ID, messageID, msgstore.SourceMetadataID, msgstore.ContentPostprocessorError)
	if err != nil {
		return
	}
	var data []byte
	if existing != nil {
		data = existing.Data
	}
	data = append(data, []byte(cause.Error()+"\n")...)
	if err := channel.putContent(ctx, messageID, msgstore.SourceMetadataID, msgstore.ContentPostprocessorError, data, "TEXT"); err != nil {
		channel.log.Error("postprocessor error write failed", zap.Int64("message_id", messageID), zap.Error(err))
	}
}

func (channel *Channel) incStats(metadataID int, delta msgstore.Stats) {
	if channel.stats != nil {
		channel.stats.Increment(channel.config.ID, metadataID, delta)
	}
}

// sleepCtx waits for the duration, reporting false when the context ends
// first.
func sleepCtx(ctx context.Context, duration time.Duration) bool {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
