package storage

import (
    "os"
    "path/filepath"
)

// AppName is the directory name used under the XDG base directories.
const AppName = "securecarrier"

// ConfigDir retorna o diretório de configuração seguindo XDG_CONFIG_HOME ou ~/.config
func ConfigDir() string {
    if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
        return filepath.Join(xdg, AppName)
    }
    if home := os.Getenv("HOME"); home != "" {
        return filepath.Join(home, ".config", AppName)
    }
    return ""
}

// DataDir retorna o diretório de dados seguindo XDG_DATA_HOME ou ~/.local/share
func DataDir() string {
    if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
        return filepath.Join(xdg, AppName)
    }
    if home := os.Getenv("HOME"); home != "" {
        return filepath.Join(home, ".local", "share", AppName)
    }
    return ""
}

// KeyFile returns the default location of the symmetric channel key.
func KeyFile() string {
    dir := ConfigDir()
    if dir == "" {
        return ""
    }
    return filepath.Join(dir, "channel.key")
}

// EnsureDir creates dir with owner-only permissions when missing.
func EnsureDir(dir string) error {
    if dir == "" {
        return os.ErrNotExist
    }
    return os.MkdirAll(dir, 0o700)
}
