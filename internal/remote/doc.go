// Package remote carries the single-node command protocol over HTTP.
//
// A node exposes any fs.Client with Handler; peers and the coordinator reach
// it with Client, which implements fs.Client itself so the cluster layer
// treats local and remote partitions alike.
//
//	POST /fs   {"type":"List","glob":"**/*.txt"}      -> 200 {"files":[...]}
//	POST /fs   {"type":"Delete","name":"a.txt"}       -> 204
//	POST /fs   X-Fs-Command: {"type":"Upload",...}    -> 204 (body = content)
//	POST /fs   {"type":"Download","name":"a.txt",...} -> 200 (body = byte range)
//
// Failures answer with a protocol.ErrorResponse.
package remote
