// Package transport lets many logical fetches share one session's callback
// stream.
//
// A Session (HTTPSession, BlobSession) runs transport tasks and reports what
// happens to each one as Events: a response arrived, a chunk of body data,
// a redirect or an authentication challenge that needs an answer, timing
// metrics, and finally completion. Every event is handed to the session's
// Multiplexer, which routes it to the TaskDelegate registered for the task.
//
// Events that need an answer (response, redirect, challenge) always get a
// Disposition, even when no delegate is registered. Body serialization runs on
// the worker Executor and the final completion callback on the completion
// Executor, so a slow or panicking handler never stalls the session.
//
// # Usage
//
//	mux := transport.NewMultiplexer(transport.WithCompletion(transport.NewSerialExecutor()))
//	session := transport.NewHTTPSession(mux, transport.DefaultHTTPOptions())
//
//	req, _ := transport.NewRequest("https://example.com/a.png", nil)
//	task, _ := session.NewTask(req)
//	mux.Register(task, transport.Handlers{
//	    Complete: func(id transport.TaskID, res transport.Result) {
//	        // res.Value holds the body (or the Serialize result)
//	    },
//	})
//	task.Resume()
package transport
