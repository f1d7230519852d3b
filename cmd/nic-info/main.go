// Command nic-info claims a ConnectX function, prints its firmware
// revision, capabilities, and port state, and releases it.
package main

import (
	"flag"
	"fmt"

	"github.com/c35s/connectx/connectx"
)

func main() {
	pciAddr := flag.String("pci", "", "PCI address of the ConnectX function (required)")
	flag.Parse()

	if *pciAddr == "" {
		flag.Usage()
		return
	}

	nic, err := connectx.Open(connectx.Config{PCIAddress: *pciAddr})
	if err != nil {
		panic(err)
	}

	defer nic.Stop()

	caps, err := nic.HCA().QueryHCACap(connectx.MaxCaps)
	if err != nil {
		panic(err)
	}

	admin, oper, err := nic.HCA().QueryVportState()
	if err != nil {
		panic(err)
	}

	fmt.Printf("mac:   %s\n", nic.MAC())
	fmt.Printf("port:  admin %d oper %d\n", admin, oper)
	fmt.Printf("caps:  %+v\n", *caps)
}
