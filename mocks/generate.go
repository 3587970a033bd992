package mocks

//go:generate mockgen -destination=./mock_pricecache.go -package=mocks github.com/halcyon-lab/paper-broker/internal/pricecache Source
//go:generate mockgen -destination=./mock_equity.go -package=mocks github.com/halcyon-lab/paper-broker/internal/engine Equity
//go:generate mockgen -destination=./mock_publisher.go -package=mocks github.com/halcyon-lab/paper-broker/internal/notify Publisher
