// smcboot talks to the system-management coprocessor's bootloader: it
// flashes firmware images over the update bus, reads flash back, wraps
// images in the SMC1 container, and can serve a simulated device for
// testing host tooling without hardware.
package main

import (
	"log"

	"github.com/spf13/cobra"
)

func main() {
	log.SetFlags(0)

	root := &cobra.Command{
		Use:           "smcboot",
		Short:         "system-management coprocessor bootloader tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&optPort, "port", "", "serial port of the bus bridge (default: built-in simulator)")
	root.PersistentFlags().StringVar(&optImage, "image", "", "flash image file backing the built-in simulator")

	root.AddCommand(infoCmd())
	root.AddCommand(flashCmd())
	root.AddCommand(readCmd())
	root.AddCommand(packCmd())
	root.AddCommand(unpackCmd())
	root.AddCommand(simCmd())
	root.AddCommand(selftestCmd())

	if err := root.Execute(); err != nil {
		log.Fatalln(err)
	}
}
