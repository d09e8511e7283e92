// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"log"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli"

	"github.com/jedisocks/tunneld/internal/config"
	"github.com/jedisocks/tunneld/internal/netutil"
	"github.com/jedisocks/tunneld/internal/stats"
	"github.com/jedisocks/tunneld/internal/tunnel"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "jedisocks-server"
	myApp.Usage = "tunneling proxy server"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "listen,l",
			Value: ":7777",
			Usage: `server listen address, eg: "IP:7777" for a single port, "IP:minport-maxport" for port range`,
		},
		cli.IntFlag{
			Name:  "idletimeout,t",
			Value: 60,
			Usage: "per-session idle timeout in seconds, 0 to disable",
		},
		cli.IntFlag{
			Name:  "sockbuf",
			Value: 4194304,
			Usage: "per-socket buffer in bytes",
		},
		cli.StringFlag{
			Name:  "statslog",
			Value: "",
			Usage: "collect stats to file, aware of timeformat in golang, like: ./stats-20060102.log",
		},
		cli.IntFlag{
			Name:  "statsperiod",
			Value: 60,
			Usage: "stats collect period, in seconds",
		},
		cli.BoolFlag{
			Name:  "pprof",
			Usage: "start profiling server on 127.0.0.1:6060",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "specify a log file to output, default goes to stderr",
		},
		cli.BoolFlag{
			Name:  "quiet",
			Usage: "to suppress the per-session open/close messages",
		},
		cli.StringFlag{
			Name:  "c",
			Value: "",
			Usage: "config from json file, which will override the command from shell",
		},
	}
	myApp.Action = run
	myApp.Run(os.Args)
}

func run(c *cli.Context) error {
	cfg := config.Config{}
	cfg.Listen = c.String("listen")
	cfg.IdleTimeout = c.Int("idletimeout")
	cfg.SockBuf = c.Int("sockbuf")
	cfg.Log = c.String("log")
	cfg.StatsLog = c.String("statslog")
	cfg.StatsPeriod = c.Int("statsperiod")
	cfg.Pprof = c.Bool("pprof")
	cfg.Quiet = c.Bool("quiet")

	if c.String("c") != "" {
		if err := config.ParseJSONFile(&cfg, c.String("c")); err != nil {
			checkError(err)
		}
	}

	if cfg.Log != "" {
		f, err := os.OpenFile(cfg.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		checkError(err)
		defer f.Close()
		log.SetOutput(f)
	}

	log.Println("version:", VERSION)
	log.Println("listening on:", cfg.Listen)
	log.Println("idletimeout:", cfg.IdleTimeout)
	log.Println("sockbuf:", cfg.SockBuf)
	log.Println("statslog:", cfg.StatsLog)
	log.Println("statsperiod:", cfg.StatsPeriod)
	log.Println("pprof:", cfg.Pprof)
	log.Println("quiet:", cfg.Quiet)

	if cfg.Pprof {
		go func() {
			if err := http.ListenAndServe("127.0.0.1:6060", nil); err != nil {
				color.Red("pprof server: %v", err)
			}
		}()
	}

	statsStop := make(chan struct{})
	go stats.Logger(cfg.StatsLog, cfg.StatsPeriod, statsStop)
	defer close(statsStop)

	addrs, err := netutil.ExpandListenAddrs(cfg.Listen)
	checkError(err)

	shutdown := make(chan struct{})
	go waitForSignal(shutdown)

	var wg sync.WaitGroup
	var listeners []net.Listener

	for _, addr := range addrs {
		ln, err := net.Listen("tcp", addr)
		checkError(err)
		log.Printf("listening on: %v/tcp", addr)
		listeners = append(listeners, ln)

		wg.Add(1)
		go acceptLoop(ln, cfg, &wg)
	}

	<-shutdown
	log.Println("shutting down")
	for _, ln := range listeners {
		ln.Close()
	}
	wg.Wait()
	return nil
}

// acceptLoop accepts incoming tunnel connections on ln and hands each
// to its own tunnel.Tunnel, until ln is closed.
func acceptLoop(ln net.Listener, cfg config.Config, wg *sync.WaitGroup) {
	defer wg.Done()
	idleTimeout := time.Duration(cfg.IdleTimeout) * time.Second
	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Println(err)
			return
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
			if cfg.SockBuf > 0 {
				_ = tc.SetReadBuffer(cfg.SockBuf)
				_ = tc.SetWriteBuffer(cfg.SockBuf)
			}
		}

		stats.DefaultSnmp.TunnelAccepted()
		log.Println("remote address:", conn.RemoteAddr())

		tun := tunnel.New(conn, tunnel.Options{
			IdleTimeout: idleTimeout,
			Quiet:       cfg.Quiet,
			OnClose:     stats.DefaultSnmp.TunnelClosed,
		})
		go tun.Serve()
	}
}

func checkError(err error) {
	if err != nil {
		log.Printf("%+v\n", err)
		os.Exit(-1)
	}
}
