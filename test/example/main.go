package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"unsafe"

	interpose "github.com/u2386/go-interpose"
	"github.com/u2386/go-interpose/hook"
	"github.com/u2386/go-interpose/intercept"
	"github.com/u2386/go-interpose/procmaps"
)

var ctx = context.Background()

var greet = func(name string) string { return "hello " + name }

var shoutOrigin uintptr

func shout(name string) string {
	return strings.ToUpper(interpose.SlotFunc[func(string) string](&shoutOrigin)(name))
}

func main() {
	config := flag.String("config", "", "JSON configuration file")
	flag.Parse()

	cfg := interpose.DefaultConfig()
	if *config != "" {
		var err error
		if cfg, err = interpose.LoadConfig(*config); err != nil {
			panic(err)
		}
	}

	// The example hooks its own func variable, so the "module" is the
	// variable itself.
	cfg.Module = "example-greet"
	addr := uintptr(unsafe.Pointer(&greet))
	maps := fmt.Sprintf("%x-%x rw-p 00000000 00:00 0 %s\n", addr, addr+unsafe.Sizeof(greet), cfg.Module)
	var source procmaps.Source = func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(maps)), nil
	}

	ip, err := interpose.Open(cfg,
		interpose.WithInterceptor(intercept.NewSlot()),
		interpose.WithMapsSource(source),
	)
	if err != nil {
		panic(err)
	}
	defer ip.Close()

	err = ip.Install(interpose.Hook{
		Name:        "shout",
		Priority:    hook.Normal,
		Identifiers: []string{""},
		Detour:      interpose.FuncValue(shout),
		Origin:      &shoutOrigin,
	})
	if err != nil {
		panic(err)
	}
	fmt.Println(greet("world"))

	if err := ip.Serve(ctx); err != nil {
		panic(err)
	}
}
