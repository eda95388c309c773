package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/rl1809/ticket-inventory/internal/adapter/handler"
	"github.com/rl1809/ticket-inventory/internal/adapter/storage"
	"github.com/rl1809/ticket-inventory/internal/core/domain"
	"github.com/rl1809/ticket-inventory/internal/core/service"
)

const (
	eventID  = "stress-event"
	lineID   = "general"
	tenantID = "stress-tenant"
)

type result int

const (
	resultWon result = iota
	resultSoldOut
	resultExhausted
	resultFailed
)

// attemptFunc makes one reservation attempt. retry reports a lost race.
type attemptFunc func(ctx context.Context) (won, soldOut, retry bool, err error)

func main() {
	seats := pflag.Int("seats", 20, "seats on the contended line")
	buyers := pflag.Int("buyers", 50, "concurrent buyers, one seat each")
	attempts := pflag.Int("attempts", 50, "attempts per buyer before giving up")
	transport := pflag.String("transport", "direct", "direct or grpc")
	pflag.Parse()

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	ctx := domain.WithTenant(context.Background(), tenantID)

	repo := service.NewInventoryRepository(storage.NewMemoryEventStore(), service.WithLogger(log))
	inventory := service.NewInventoryService(repo)

	event, err := domain.NewEvent(eventID, tenantID, "stress", []domain.InventoryLine{{ID: lineID, Name: "General", Total: *seats}}, time.Now())
	if err != nil {
		log.WithError(err).Fatal("failed to build event")
	}
	if err := repo.Create(ctx, event); err != nil {
		log.WithError(err).Fatal("failed to create event")
	}

	var attempt attemptFunc
	switch *transport {
	case "direct":
		attempt = directAttempt(inventory)
	case "grpc":
		client, stop, err := startLoopback(inventory)
		if err != nil {
			log.WithError(err).Fatal("failed to start grpc loopback")
		}
		defer stop()
		attempt = grpcAttempt(client)
	default:
		log.Fatalf("unknown transport %q", *transport)
	}

	var counts [4]atomic.Int32
	var retries atomic.Int64
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := buy(ctx, attempt, *attempts, &retries)
			counts[r].Add(1)
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	won := int(counts[resultWon].Load())
	soldOut := int(counts[resultSoldOut].Load())
	summary, err := repo.GetInventorySummaryWithToken(ctx, eventID)
	if err != nil {
		log.WithError(err).Fatal("failed to read final inventory")
	}

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Transport:        %s\n", *transport)
	fmt.Printf("Seats:            %d\n", *seats)
	fmt.Printf("Buyers:           %d\n", *buyers)
	fmt.Printf("Won:              %d\n", won)
	fmt.Printf("Sold out:         %d\n", soldOut)
	fmt.Printf("Gave up:          %d\n", counts[resultExhausted].Load())
	fmt.Printf("Errors:           %d\n", counts[resultFailed].Load())
	fmt.Printf("Conflict retries: %d\n", retries.Load())
	fmt.Printf("Final revision:   %d\n", summary.Revision)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	wantWon := min(*seats, *buyers)
	pass := true
	if won != wantWon || soldOut != *buyers-wantWon {
		fmt.Printf("FAIL: Expected %d won/%d sold out, got %d/%d\n", wantWon, *buyers-wantWon, won, soldOut)
		pass = false
	} else {
		fmt.Printf("PASS: Exactly %d reservations succeeded, %d sold out\n", won, soldOut)
	}
	if summary.Available != *seats-wantWon || summary.Reserved != wantWon {
		fmt.Printf("FAIL: Expected available %d, got %d\n", *seats-wantWon, summary.Available)
		pass = false
	} else {
		fmt.Printf("PASS: Available is %d\n", summary.Available)
	}
	if !pass {
		os.Exit(1)
	}
}

func buy(ctx context.Context, attempt attemptFunc, attempts int, retries *atomic.Int64) result {
	for i := 0; i < attempts; i++ {
		won, soldOut, retry, err := attempt(ctx)
		switch {
		case err != nil:
			return resultFailed
		case won:
			return resultWon
		case soldOut:
			return resultSoldOut
		case retry:
			retries.Add(1)
		}
	}
	return resultExhausted
}

func directAttempt(inventory *service.InventoryService) attemptFunc {
	return func(ctx context.Context) (bool, bool, bool, error) {
		token, err := inventory.Repository().GetTokenOnly(ctx, eventID)
		if err != nil {
			return false, false, false, err
		}
		ok, err := inventory.TryReserve(ctx, eventID, lineID, 1, token)
		if err != nil || ok {
			return ok, false, false, err
		}

		var insufficient *domain.InsufficientInventoryError
		reason := inventory.ExplainReserve(ctx, eventID, lineID, 1, token)
		switch {
		case errors.As(reason, &insufficient):
			return false, true, false, nil
		case reason == nil, domain.KindOf(reason) == domain.KindConflict:
			return false, false, true, nil
		default:
			return false, false, false, reason
		}
	}
}

func grpcAttempt(client *handler.InventoryClient) attemptFunc {
	return func(ctx context.Context) (bool, bool, bool, error) {
		ctx = handler.WithTenant(ctx, tenantID)
		summary, err := client.GetSummary(ctx, eventID)
		if err != nil {
			return false, false, false, err
		}
		if line, ok := summary.Summary.Line(lineID); ok && line.Available == 0 {
			return false, true, false, nil
		}

		_, err = client.Reserve(ctx, &handler.MutationRequest{EventID: eventID, LineID: lineID, Quantity: 1}, summary.ETag)
		switch status.Code(err) {
		case codes.OK:
			return true, false, false, nil
		case codes.ResourceExhausted:
			return false, true, false, nil
		case codes.Aborted:
			return false, false, true, nil
		default:
			return false, false, false, err
		}
	}
}

func startLoopback(inventory *service.InventoryService) (*handler.InventoryClient, func(), error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, err
	}

	server := grpc.NewServer(grpc.UnaryInterceptor(handler.TenantInterceptor))
	handler.RegisterInventoryServer(server, handler.NewGRPCHandler(inventory))
	go server.Serve(lis)

	conn, err := grpc.NewClient(lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(handler.CallOptions()...),
	)
	if err != nil {
		server.Stop()
		return nil, nil, err
	}

	stop := func() {
		conn.Close()
		server.GracefulStop()
	}
	return handler.NewInventoryClient(conn), stop, nil
}
