// Package sniffer serves several protocols on one listener by looking at the
// first bytes of each connection.
//
// A Registry holds Initiators in priority order. For every accepted
// connection a Switch reads a short window, asks the registry for the first
// initiator that recognizes it and lets that initiator install the stages of
// a Pipeline. The pipeline then reads the window again, followed by the rest
// of the connection, exactly once and in order.
//
//	reg, err := sniffer.NewRegistry(
//	    sniffer.HTTPInitiator(mux),
//	    sniffer.GzipInitiator(installText),
//	)
//	sw, err := sniffer.NewSwitch(reg, sniffer.Config{Fallback: installText})
//	go sw.Serve(ctx, conn)
//
// Connections no initiator recognizes get the fallback pipeline. Waiting for
// the window and accumulating full payloads are both bounded in time and
// size.
//
// Stages can be decorated without changing them:
//
//	sniffer.Config{Middleware: sniffer.Instrument(logger)}
package sniffer
