package errors

import "github.com/pkg/errors"

func WrappedErrNewLogger(err error) error {
	return errors.WithMessage(err, "new logger")
}

func WrappedErrLoadConfig(err error, path string) error {
	return errors.WithMessagef(err, "load config '%s'", path)
}

func WrappedErrSaveConfig(err error, path string) error {
	return errors.WithMessagef(err, "save config '%s'", path)
}

func WrappedErrNewPlane(err error) error {
	return errors.WithMessage(err, "new control plane")
}

func WrappedErrParseFilter(err error) error {
	return errors.WithMessage(err, "parse filter")
}
