package main

import (
	"flag"
	"fmt"
	"net/http"

	"github.com/flashbots/escrow-endpoint/testutils"
)

var port = flag.Int("port", 8090, "listen port")

// Serves a fake eth node, enough for the payout sender to run against locally.
func main() {
	flag.Parse()
	http.HandleFunc("/", testutils.RpcBackendHandler)
	fmt.Printf("rpc backend listening on localhost:%d\n", *port)
	if err := http.ListenAndServe(fmt.Sprintf("localhost:%d", *port), nil); err != nil {
		fmt.Println(err)
	}
}
