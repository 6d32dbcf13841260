// Package health serves the standard gRPC health protocol for a worker.
//
// The service name is the pipeline the worker consumes, so a probe can ask
// `grpc_health_probe -service=ocr`. The overall ("") status follows it.
package health

import (
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Server exposes grpc.health.v1 for one pipeline on a TCP address.
type Server struct {
	addr    string
	service string
	lis     net.Listener
	health  *health.Server
	srv     *grpc.Server
}

// New creates a server reporting NOT_SERVING for service until SetServing.
func New(addr, service string) *Server {
	s := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	reflection.Register(s)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)

	return &Server{
		addr:    addr,
		service: service,
		health:  hs,
		srv:     s,
	}
}

// SetServing updates the status of the worker's service.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(s.service, status)
}

// Listen binds the address. Separate from Serve so bind errors surface
// before the worker starts consuming.
func (s *Server) Listen() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.lis = lis
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	if s.lis != nil {
		return s.lis.Addr().String()
	}
	return s.addr
}

// Serve blocks until Stop.
func (s *Server) Serve() error {
	if s.lis == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	return s.srv.Serve(s.lis)
}

// Stop marks every service NOT_SERVING, lets in-flight checks finish and
// releases the listener.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.srv.GracefulStop()
	if s.lis != nil {
		_ = s.lis.Close()
	}
}
