package main

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"riscvlike.dev"
)

func main() {
	tenantsFile := flag.String("tenants", "", "JSON tenant configuration file")
	tenantsJSON := flag.String("tenants-json", "", "inline JSON tenant configuration")
	bind := flag.String("bind", "localhost:5000", "address to bind to")
	updateBind := flag.String("update-bind", "", "optional address for the live-update endpoint")
	updateMaxSize := flag.Int64("update-max-size", 32<<20, "maximum live-update binary size")
	engineName := flag.String("engine", "", "emulator engine to run tenant programs on")
	verbosity := flag.IntP("verbosity", "v", 0, "verbosity level (0, 1, 2)")

	backends := make(backendFlags)
	flag.VarP(&backends, "backend", "b", "<name=address> HTTP backend. Use an empty name for a catch-all backend")

	flag.Parse()

	if *tenantsFile == "" && *tenantsJSON == "" {
		fmt.Fprintf(os.Stderr, "one of --tenants or --tenants-json is required\n")
		flag.Usage()
		os.Exit(1)
	}

	if *engineName == "" {
		if names := riscvlike.Engines(); len(names) == 1 {
			*engineName = names[0]
		} else {
			fmt.Fprintf(os.Stderr, "--engine is required; registered engines: %s\n",
				strings.Join(riscvlike.Engines(), ", "))
			os.Exit(1)
		}
	}
	engine, err := riscvlike.LookupEngine(*engineName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	log := logrus.New()
	opts := []riscvlike.Option{
		riscvlike.WithLogger(log),
		riscvlike.WithVerbosity(*verbosity),
	}
	for name, b := range backends {
		if name == "" {
			proxy := b.proxy
			opts = append(opts, riscvlike.WithDefaultBackend(func(name string) riscvlike.Director {
				return riscvlike.NewHTTPDirector(name, proxy)
			}))
		} else {
			opts = append(opts, riscvlike.WithBackend(name, b.proxy))
		}
	}

	sandbox := riscvlike.New(engine, opts...)

	if *tenantsJSON != "" {
		err = sandbox.EmbedTenants(*tenantsJSON)
	} else {
		err = sandbox.LoadTenants(*tenantsFile)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "tenant configuration: %v\n", err)
		os.Exit(1)
	}
	if err := sandbox.FinalizeTenants(); err != nil {
		fmt.Fprintf(os.Stderr, "tenant finalize: %v\n", err)
		os.Exit(1)
	}

	if *updateBind != "" {
		go func() {
			fmt.Printf("Live-update endpoint on %s\n", *updateBind)
			if err := http.ListenAndServe(*updateBind, sandbox.LiveUpdateHandler(*updateMaxSize)); err != nil {
				fmt.Printf("Error starting update endpoint, got %s\n", err.Error())
			}
		}()
	}

	fmt.Printf("Listening on %s\n", *bind)
	if err := http.ListenAndServe(*bind, sandbox); err != nil {
		fmt.Printf("Error starting server, got %s\n", err.Error())
	}
}

// backend represents a configured backend with its address and reverse
// proxy handler
type backend struct {
	address string
	proxy   http.Handler
}

// backendFlags implements flag.Value for parsing --backend flags
type backendFlags map[string]backend

func (f *backendFlags) String() string {
	results := make([]string, 0, len(*f))
	for name, b := range *f {
		results = append(results, fmt.Sprintf("%s=%s", name, b.address))
	}
	return strings.Join(results, ", ")
}

func (f *backendFlags) Type() string { return "backend" }

func (f *backendFlags) Set(v string) error {
	parts := strings.Split(v, "=")
	name, addr := "", ""
	if len(parts) == 2 {
		name = parts[0]
		addr = parts[1]
	} else if len(parts) == 1 {
		addr = parts[0]
	} else {
		return fmt.Errorf("invalid backend %s specified", v)
	}

	// turn the address into an http/https url
	if !strings.HasPrefix(addr, "http") {
		addr = fmt.Sprintf("http://%s", addr)
	}

	dest, err := url.Parse(addr)
	if err != nil {
		return err
	}

	proxy := httputil.NewSingleHostReverseProxy(dest)
	(*f)[name] = backend{address: addr, proxy: proxy}
	return nil
}
