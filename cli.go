package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/matishsiao/goInfo"
	"github.com/spf13/cobra"
	"go.bug.st/serial"

	"github.com/embryte/smcboot/bus"
	"github.com/embryte/smcboot/device"
	"github.com/embryte/smcboot/host"
	"github.com/embryte/smcboot/image"
	"github.com/embryte/smcboot/nvm"
)

var (
	optPort  string
	optImage string
)

// openMaster connects to a device: over serial when --port is given,
// otherwise against a built-in simulator (optionally file-backed via
// --image, so state survives between invocations).
func openMaster() (bus.Master, func() error, error) {
	if optPort != "" {
		return bus.Open(optPort)
	}

	log.Println("no --port given, using built-in simulator")

	flash := nvm.New(device.FlashSize, device.PageSize)
	closeFn := func() error { return nil }

	if optImage != "" {
		backing, err := nvm.OpenBacking(optImage, flash)
		if err != nil {
			return nil, nil, err
		}
		closeFn = backing.Close
	}

	dev := device.New(device.Config{
		Flash: flash,
		// The simulator's recovery input is held asserted so it is
		// always reachable, like a bench device with the button down.
		Recovery: func() bool { return true },
	})

	return bus.Direct(dev), closeFn, nil
}

func newProgrammer(m bus.Master) *host.Programmer {
	p := host.New(m)
	p.LogFunc = log.Printf
	return p
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "probe the bootloader and print its version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if gi, err := goInfo.GetInfo(); err == nil {
				log.Printf("host: %s %s", gi.GoOS, gi.Core)
			}

			m, closeFn, err := openMaster()
			if err != nil {
				return err
			}
			defer closeFn()

			version, err := newProgrammer(m).Version()
			if err != nil {
				return err
			}

			fmt.Printf("bootloader version: %d\n", version)
			return nil
		},
	}
}

func flashCmd() *cobra.Command {
	var noVerify bool

	cmd := &cobra.Command{
		Use:   "flash <firmware>",
		Short: "write a firmware image (.bin, .hex, .ihx or .smc)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fw, err := image.Load(args[0])
			if err != nil {
				return err
			}

			m, closeFn, err := openMaster()
			if err != nil {
				return err
			}
			defer closeFn()

			p := newProgrammer(m)
			p.Progress = func(done, total int) {
				if done%64 == 0 || done == total {
					log.Printf("programmed %d/%d packets", done, total)
				}
			}

			if err := p.Update(context.Background(), fw, !noVerify); err != nil {
				return err
			}

			log.Println("update complete, device rebooted")
			return nil
		},
	}

	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "skip the read-back verification pass")
	return cmd
}

func readCmd() *cobra.Command {
	var length int

	cmd := &cobra.Command{
		Use:   "read <output>",
		Short: "read flash from address zero into a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, closeFn, err := openMaster()
			if err != nil {
				return err
			}
			defer closeFn()

			p := newProgrammer(m)
			if err := p.Rewind(); err != nil {
				return err
			}

			data, err := p.ReadFlash(length)
			if err != nil {
				return err
			}

			return os.WriteFile(args[0], data, 0644)
		},
	}

	cmd.Flags().IntVar(&length, "length", device.FirmwareEnd, "number of bytes to read")
	return cmd
}

func packCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pack <firmware> <output.smc>",
		Short: "wrap a firmware image in an SMC1 container",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fw, err := image.Load(args[0])
			if err != nil {
				return err
			}

			out, err := image.Build(fw)
			if err != nil {
				return err
			}

			return os.WriteFile(args[1], out, 0644)
		},
	}
}

func unpackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unpack <input.smc> <output.bin>",
		Short: "extract and check the firmware held by a container",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			fw, err := image.Extract(data)
			if err != nil {
				return err
			}

			return os.WriteFile(args[1], fw, 0644)
		},
	}
}

func simCmd() *cobra.Command {
	var recovery bool

	cmd := &cobra.Command{
		Use:   "sim",
		Short: "serve a simulated device on a serial port",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if optPort == "" {
				return errors.New("sim needs --port")
			}

			flash := nvm.New(device.FlashSize, device.PageSize)
			if optImage != "" {
				backing, err := nvm.OpenBacking(optImage, flash)
				if err != nil {
					return err
				}
				defer backing.Close()
			}

			dev := device.New(device.Config{
				Flash:    flash,
				Recovery: func() bool { return recovery },
			})
			log.Printf("device up in %s mode", dev.Mode())

			port, err := serial.Open(optPort, &serial.Mode{
				BaudRate: 115200,
				DataBits: 8,
				Parity:   serial.NoParity,
				StopBits: serial.OneStopBit,
			})
			if err != nil {
				return err
			}
			defer port.Close()

			return bus.Serve(port, dev, func(err error) {
				log.Println("transaction dropped:", err)
			})
		},
	}

	cmd.Flags().BoolVar(&recovery, "recovery", true, "hold the recovery input asserted")
	return cmd
}

func selftestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "selftest",
		Short: "run a full update against an in-memory device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dev := device.New(device.Config{})
			p := newProgrammer(bus.Direct(dev))

			fw := make([]byte, device.FirmwareEnd)
			rand.Read(fw)

			if err := p.Update(context.Background(), fw, true); err != nil {
				return err
			}

			if dev.Mode() != device.ModeFirmware {
				return fmt.Errorf("device booted into %s mode after update", dev.Mode())
			}
			if entry := dev.FirmwareEntry(); !bytes.Equal(entry[:], fw[:2]) {
				return errors.New("relocated entry vector does not match the image")
			}

			log.Println("selftest passed")
			return nil
		},
	}
}
