package main

import (
	"fmt"
	"os"

	gen "github.com/whyrusleeping/cbor-gen"

	"github.com/consensus-shipyard/go-topdown/chain/vote"
)

func main() {
	err := gen.WriteTupleEncodersToFile("./chain/vote/cbor_gen.go", "vote",
		vote.Observation{},
		vote.CertifiedObservation{},
		vote.CertificationPayload{},
	)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
