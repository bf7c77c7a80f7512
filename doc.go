// Package camhal is an asynchronous camera capture-request pipeline.
//
// A Pipeline sits between a framework dispatcher and a device engine:
//
//	framework ──ProcessCaptureRequest──► admission ──Submit──► Device
//	                                        │
//	                                        ▼
//	                               stream worker (one per stream)
//	                                 dequeue → fence → post-process
//	                                        │
//	                                        ▼
//	framework ◄──OnShutter/OnCaptureResult── result aggregator
//
// Admission bounds the number of requests in flight to what the device can
// hold; a request beyond that blocks until an earlier one is fully returned.
// Each output stream runs its own goroutine, so buffers of one stream return
// in submission order. The aggregator delivers exactly one shutter per frame,
// before any of its buffers, and attaches the merged metadata to the first
// buffer returned.
//
// Usage:
//
//	p, err := camhal.New(camhal.Options{Device: dev})
//	if err != nil { ... }
//	if err := p.Init(callbacks); err != nil { ... }
//	if _, err := p.ConfigureStreams(ctx, streams); err != nil { ... }
//	settings, _ := p.DefaultRequestSettings(camhal.TemplatePreview)
//	err = p.ProcessCaptureRequest(ctx, camhal.CaptureRequest{...})
//	...
//	p.Flush(ctx)
//	p.Close()
//
// Several cameras share a process through a Manager, which owns one Pipeline
// per camera id.
package camhal
