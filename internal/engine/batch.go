package engine

import (
	"context"
	"sort"

	"github.com/nerrad567/gray-logic-meross/internal/protocol"
)

// pollRequest is one namespace query queued for the next batch.
type pollRequest struct {
	Namespace string
	Method    string
	Payload   map[string]any
}

// requestPoll schedules a poll for the handler, batching it into the
// pending Appliance.Control.Multiple request when the device supports
// that and the reply budget allows. Oversized namespaces and devices
// without batching go out as plain single requests.
func (d *Device) requestPoll(ctx context.Context, h *Handler) {
	d.mu.Lock()
	h.lastRequest = d.pollingEpoch
	h.pollingEpochNext = h.lastRequest + float64(h.period)
	req := h.pollRequestLocked()
	size := h.size
	if !d.multipleEnabled || d.multipleMax == 0 || size >= d.responseSizeMax {
		d.mu.Unlock()
		_, _ = d.Request(ctx, req.Namespace, req.Method, req.Payload)
		return
	}
	if d.batchSize+size > d.responseSizeMax {
		if len(d.batch) == 0 {
			d.mu.Unlock()
			_, _ = d.Request(ctx, req.Namespace, req.Method, req.Payload)
			return
		}
		// Flush what is pending and start a fresh batch with this one.
		d.mu.Unlock()
		d.flushBatch(ctx)
		d.mu.Lock()
	}
	d.batch = append(d.batch, req)
	d.batchSize += size
	full := len(d.batch) >= d.multipleMax
	d.mu.Unlock()
	if full {
		d.flushBatch(ctx)
	}
}

// smartPoll polls the handler unless doing so would pile queries onto
// a cloud broker: with cloud requests already queued this cycle, a
// handler inside its cloud polling period is skipped. Returns whether
// the poll was issued.
func (d *Device) smartPoll(ctx context.Context, h *Handler) bool {
	d.mu.Lock()
	skip := d.currRoute == RouteMQTT &&
		d.queuedCloud >= d.cloudQueueMax &&
		d.pollingEpoch-h.lastRequest < float64(h.cloudPeriod)
	d.mu.Unlock()
	if skip {
		return false
	}
	d.requestPoll(ctx, h)
	return true
}

// queueLazyLocked files the handler for opportunistic batching, kept
// ordered so the namespace waiting longest is picked up first.
func (d *Device) queueLazyLocked(h *Handler) {
	i := sort.Search(len(d.lazyQueue), func(i int) bool {
		return d.lazyQueue[i].lastRequest > h.lastRequest
	})
	d.lazyQueue = append(d.lazyQueue, nil)
	copy(d.lazyQueue[i+1:], d.lazyQueue[i:])
	d.lazyQueue[i] = h
}

// lazyFitLocked returns the index of the first queued handler whose
// reply still fits the budget, -1 when none does.
func (d *Device) lazyFitLocked(currentSize int) int {
	for i, h := range d.lazyQueue {
		if currentSize+h.size < d.responseSizeMax {
			return i
		}
	}
	return -1
}

// flushBatch sends the accumulated batch as one
// Appliance.Control.Multiple request, topping it up from the lazy
// queue while capacity and budget allow.
//
// Constrained devices answer a batch in degraded ways and each gets a
// recovery path: a transport level loss halves the reply budget toward
// its floor and retries the queries one by one, a reply covering only
// some queries is credited and the remainder re-sent, an ack with no
// replies at all falls back to single requests.
func (d *Device) flushBatch(ctx context.Context) {
	d.mu.Lock()
	requests := d.batch
	currentSize := d.batchSize
	d.batch = nil
	d.batchSize = d.multipleHeaderSize
	from := d.fromAddr
	online := d.online
	d.mu.Unlock()

	for online && len(requests) > 0 {
		d.mu.Lock()
		for len(requests) < d.multipleMax {
			i := d.lazyFitLocked(currentSize)
			if i < 0 {
				break
			}
			h := d.lazyQueue[i]
			d.lazyQueue = append(d.lazyQueue[:i], d.lazyQueue[i+1:]...)
			now := d.epochNow()
			h.lastRequest = now
			h.pollingEpochNext = now + float64(h.period)
			currentSize += h.size
			requests = append(requests, h.pollRequestLocked())
		}
		d.mu.Unlock()

		if len(requests) == 1 {
			req := requests[0]
			_, _ = d.Request(ctx, req.Namespace, req.Method, req.Payload)
			return
		}

		inner := make([]*protocol.Message, len(requests))
		for i, req := range requests {
			inner[i] = protocol.NewRequest(req.Namespace, req.Method, req.Payload, d.key, from, d.now())
		}
		d.mu.Lock()
		d.counters.Batches++
		d.mu.Unlock()

		msg, err := d.Request(ctx, protocol.NSControlMultiple, protocol.MethodSet, protocol.PackMultiple(inner))
		if err != nil {
			d.mu.Lock()
			if !d.online {
				d.mu.Unlock()
				return
			}
			d.responseSizeMax = d.responseSizeMin + int(d.sizeShrinkFactor*float64(d.responseSizeMax-d.responseSizeMin))
			d.counters.BatchShrinks++
			d.log.Debug("batch reply lost, shrinking budget",
				"device", d.logID,
				"requests", len(requests),
				"size_max", d.responseSizeMax)
			d.mu.Unlock()
			d.sendSingles(ctx, requests)
			return
		}

		replies := protocol.UnpackMultiple(msg.Payload)
		switch {
		case len(replies) == len(requests):
			for _, m := range replies {
				d.handle(m)
			}
			return
		case len(replies) == 0:
			if d.throttle.Allow("multiple", protocolLogWindow) {
				d.log.Warn("batch acknowledged without replies",
					"device", d.logID,
					"requests", len(requests))
			}
			d.sendSingles(ctx, requests)
			return
		default:
			// Partial reply: credit what came back and loop to
			// re-send the rest.
			for _, m := range replies {
				d.handle(m)
				requests = dropNamespace(requests, m.Header.Namespace)
			}
		}

		d.mu.Lock()
		online = d.online
		d.mu.Unlock()
	}
}

// sendSingles re-issues batch members one at a time, stopping when
// the device drops offline.
func (d *Device) sendSingles(ctx context.Context, requests []pollRequest) {
	for _, req := range requests {
		if !d.Online() {
			return
		}
		_, _ = d.Request(ctx, req.Namespace, req.Method, req.Payload)
	}
}

func dropNamespace(requests []pollRequest, namespace string) []pollRequest {
	for i, req := range requests {
		if req.Namespace == namespace {
			return append(requests[:i], requests[i+1:]...)
		}
	}
	return requests
}
