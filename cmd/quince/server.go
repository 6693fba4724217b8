package main

import (
	"crypto/rand"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/FreeMind-LJ/quic"
	"github.com/FreeMind-LJ/quic/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func serverCommand(args []string) error {
	cmd := flag.NewFlagSet("server", flag.ExitOnError)
	listenAddr := cmd.String("listen", "0.0.0.0:4433", "listen on the given IP:port")
	certFile := cmd.String("cert", "", "TLS certificate file")
	keyFile := cmd.String("key", "", "TLS private key file")
	retry := cmd.Bool("retry", false, "require address validation via Retry before accepting")
	metricsAddr := cmd.String("metrics", "", "if set, serve Prometheus metrics on this address")
	logLevel := cmd.Int("v", 2, "log verbose: 0=off 1=error 2=info 3=debug 4=trace")
	cmd.Parse(args)

	if *certFile == "" || *keyFile == "" {
		fmt.Fprintln(cmd.Output(), "Usage: quince server -cert <file> -key <file> [options]")
		cmd.PrintDefaults()
		return nil
	}
	cert, err := tls.LoadX509KeyPair(*certFile, *keyFile)
	if err != nil {
		return err
	}

	config := newConfig()
	config.TLS.Certificates = []tls.Certificate{cert}
	config.Transport.Retry = *retry
	if _, err := rand.Read(config.Transport.TokenKey[:]); err != nil {
		return err
	}
	config.Transport.SRTokenKey = make([]byte, 32)
	if _, err := rand.Read(config.Transport.SRTokenKey); err != nil {
		return err
	}

	handler := &serverHandler{}
	server := quic.NewServer(config)
	server.SetHandler(handler)
	server.SetLogger(*logLevel, os.Stdout)

	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(server.Metrics())
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			log.Printf("metrics listening on %s", *metricsAddr)
			log.Println(http.ListenAndServe(*metricsAddr, mux))
		}()
	}

	if err := server.ListenAndServe(*listenAddr); err != nil {
		return err
	}
	log.Printf("quince server listening on %s", *listenAddr)
	select {}
}

// serverHandler echoes every byte received on a stream back to the peer
// and closes the stream once the peer signals it is done writing.
type serverHandler struct{}

func (s *serverHandler) Serve(c quic.Conn, events []transport.Event) {
	for _, e := range events {
		switch e.Type {
		case transport.EventStream:
			st := c.Stream(e.StreamID)
			if st == nil {
				continue
			}
			buf := make([]byte, 4096)
			n, err := st.Read(buf)
			if n > 0 {
				_, _ = st.Write(buf[:n])
			}
			if err != nil {
				_ = st.Close()
			}
		case quic.EventConnAccept:
			log.Printf("%s: connection accepted", c.RemoteAddr())
		case quic.EventConnClose:
			log.Printf("%s: connection closed", c.RemoteAddr())
		}
	}
}
