/*
Package router is the receiving end of the metrics pipeline.

A Server accepts TCP connections and lets a sniffer.Switch pick the protocol
from the first bytes of each one:

  - HTTP requests go to the configured handler (e.g. a /metrics endpoint)
  - gzip streams are inflated and read as raw text frames
  - binary frames ([opcode][count][records]) are decoded with the wire codec
  - anything else is read as raw text frames

Raw text frames are semicolon-delimited:

	TYPE[@TIMESTAMP],FQN,VALUE;

for instance:

	GAUGE,web1/jvm/heap:Used,1024;STRING@1700000000000,web1/jvm:Version,21.0.2;

ServeUDP accepts one binary frame per datagram, optionally gzip-compressed.

Every decoded sample goes to the Sink. Samples carrying a full identity are
registered in the Catalog first, so the sink always sees a token.
*/
package router
